package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/recast/internal/fingerprint"
	"github.com/roach88/recast/internal/model"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	// Fingerprint computes missing fingerprints from local media files.
	Fingerprint bool
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upsert content items from a YAML or JSON file",
		Long: `Insert or refresh content items with their engagement counters.

The file holds a list of items; files ending in .json are read as JSON,
everything else as YAML. Re-ingesting an item updates its caption,
hashtags, media locator and counters but keeps its ranking.

Example:
  recast ingest ./export.yaml
  recast ingest --fingerprint ./export.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Fingerprint, "fingerprint", false,
		"fingerprint media_locator files that exist locally when an item has no fingerprint")

	return cmd
}

type ingestResult struct {
	Ingested      int      `json:"ingested"`
	Fingerprinted int      `json:"fingerprinted"`
	SourceIDs     []string `json:"source_ids"`
}

func (r ingestResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Ingested %d items (%d fingerprinted)\n", r.Ingested, r.Fingerprinted)
	return err
}

func runIngest(opts *IngestOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	items, err := readContentFile(path)
	if err != nil {
		return out.Fail(WrapExitError(ExitCommandError, "read content file", err))
	}

	snap, err := opts.loadConfig()
	if err != nil {
		return out.Fail(err)
	}
	st, err := openStore(snap.Config)
	if err != nil {
		return out.Fail(err)
	}
	defer st.Close()

	gen := fingerprint.New(int64(snap.Config.Fingerprint.ChunkSize))
	result := ingestResult{SourceIDs: make([]string, 0, len(items))}
	now := opts.now()

	for i, item := range items {
		if item.SourceID == "" {
			return out.Fail(NewExitError(ExitCommandError, fmt.Sprintf("item %d: source_id is required", i)))
		}
		if opts.Fingerprint && item.Fingerprint == nil && isLocalFile(item.MediaLocator) {
			fp, err := gen.FromFile(item.MediaLocator)
			if err != nil {
				return out.Fail(WrapExitError(ExitCommandError, fmt.Sprintf("fingerprint %s", item.SourceID), err))
			}
			item.Fingerprint = &fp
			result.Fingerprinted++
			out.VerboseLog("fingerprinted %s: %s", item.SourceID, fp.Hash)
		}
		item.UpdatedAt = now
		if err := st.UpsertContentItem(ctx, item); err != nil {
			return out.Fail(WrapExitError(ExitFailure, "ingest", err))
		}
		result.Ingested++
		result.SourceIDs = append(result.SourceIDs, item.SourceID)
	}
	return out.Success(result)
}

// readContentFile decodes a list of content items.
func readContentFile(path string) ([]model.ContentItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var items []model.ContentItem
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&items); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return items, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&items); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return items, nil
}

func isLocalFile(locator string) bool {
	if locator == "" || strings.Contains(locator, "://") {
		return false
	}
	info, err := os.Stat(locator)
	return err == nil && info.Mode().IsRegular()
}
