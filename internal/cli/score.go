package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/recast/internal/fingerprint"
	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/ranking"
)

type scoreResult struct {
	Views    int64   `json:"views"`
	Likes    int64   `json:"likes"`
	Comments int64   `json:"comments"`
	Score    float64 `json:"score"`
}

func (r scoreResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "score: %s  (views %d + likes %d x 1.5 + comments %d x 2)\n",
		strconv.FormatFloat(r.Score, 'f', -1, 64), r.Views, r.Likes, r.Comments)
	return err
}

// NewScoreCommand creates the score command.
func NewScoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "score <views> <likes> <comments>",
		Short: "Print the performance score for engagement counters",
		Example: `  recast score 2850 312 47
  recast score --format json 1000 100 50`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			var counts [3]int64
			for i, name := range []string{"views", "likes", "comments"} {
				n, err := strconv.ParseInt(args[i], 10, 64)
				if err != nil || n < 0 {
					return out.Fail(NewExitError(ExitCommandError,
						fmt.Sprintf("%s must be a non-negative integer, got %q", name, args[i])))
				}
				counts[i] = n
			}

			return out.Success(scoreResult{
				Views:    counts[0],
				Likes:    counts[1],
				Comments: counts[2],
				Score:    ranking.Score(counts[0], counts[1], counts[2]),
			})
		},
	}
}

type fingerprintResult struct {
	Path string `json:"path"`
	model.Fingerprint
}

func (r fingerprintResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s  %d  %s\n", r.Hash, r.Size, r.Path)
	return err
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	var chunkSize int64

	cmd := &cobra.Command{
		Use:   "fingerprint <file>...",
		Short: "Print the content fingerprint of media files",
		Long: `Print the head/tail fingerprint used for duplicate detection.

Only the first and last chunk of each file are read.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			gen := fingerprint.New(chunkSize)

			results := make([]fingerprintResult, 0, len(args))
			for _, path := range args {
				fp, err := gen.FromFile(path)
				if err != nil {
					return out.Fail(WrapExitError(ExitCommandError, "fingerprint", err))
				}
				results = append(results, fingerprintResult{Path: path, Fingerprint: fp})
			}
			if len(results) == 1 {
				return out.Success(results[0])
			}
			return out.Success(fingerprintList(results))
		},
	}

	cmd.Flags().Int64Var(&chunkSize, "chunk-size", fingerprint.DefaultChunkSize, "head/tail chunk size in bytes")
	return cmd
}

type fingerprintList []fingerprintResult

func (l fingerprintList) RenderText(w io.Writer) error {
	for _, r := range l {
		if err := r.RenderText(w); err != nil {
			return err
		}
	}
	return nil
}
