package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/support-agent/sagent/retrieval"
)

const kbBatchSize = 100

func newKBCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the knowledge-base index",
	}

	load := &cobra.Command{
		Use:   "load <file.jsonl>",
		Short: "Index pre-embedded chunks, one JSON document per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Retrieval.Index == "memory" {
				a.logger.Warn().Msg("retrieval.index is memory; loaded chunks are lost when this command exits")
			}
			n, err := loadKB(cmd.Context(), a.rt.Retriever, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks\n", n)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <chunk-or-document-id>",
		Short: "Remove a chunk, or every chunk of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.rt.Retriever.Delete(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(load, del)
	return cmd
}

// loadKB indexes the documents in a JSONL file in batches.
func loadKB(ctx context.Context, r *retrieval.Retriever, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		batch []retrieval.Document
		total int
		line  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.Index(ctx, batch...); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var doc retrieval.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return total, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if err := doc.Validate(); err != nil {
			return total, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		batch = append(batch, doc)
		if len(batch) == kbBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, err
	}
	return total, flush()
}
