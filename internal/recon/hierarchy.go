package recon

import (
	"context"
	"log/slog"
	"sort"

	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/treestore"
)

// Builder materializes recognized lines as outline blocks.
type Builder struct {
	store  treestore.Store
	logger *slog.Logger
}

// NewBuilder returns a hierarchy builder writing through store.
func NewBuilder(store treestore.Store, logger *slog.Logger) *Builder {
	return &Builder{store: store, logger: logger}
}

// BuildResult reports what materialization did.
type BuildResult struct {
	// CreatedByLine maps line index to the uuid of the block created
	// for it.
	CreatedByLine map[int]string

	// Errors lists lines whose creation failed; the build continued
	// past each of them.
	Errors []LineError

	// Aborted is set when cancellation stopped the build early. Blocks
	// already created stay in place; each is independently valid.
	Aborted bool
}

// Build creates one block per line index in create, shallowest indent
// level first, preserving original line order inside a level. resolved
// seeds lineIndex→uuid for lines that already exist as blocks; those
// serve as parents but are never recreated. Build extends resolved as
// it creates.
//
// The parent of a line at indent d is the nearest preceding line with
// a smaller indent that has a block this pass, else the page anchor.
// Store calls are sequential: a parent must exist before its children
// are inserted.
func (b *Builder) Build(ctx context.Context, anchorUUID string, lines []models.Line, create []int, bounds []*models.Bounds, resolved map[int]string) *BuildResult {
	res := &BuildResult{CreatedByLine: make(map[int]string)}

	levels := make([]int, 0, len(create))
	seen := make(map[int]bool)
	for _, i := range create {
		d := lines[i].IndentLevel
		if !seen[d] {
			seen[d] = true
			levels = append(levels, d)
		}
	}
	sort.Ints(levels)

	for _, level := range levels {
		for _, i := range create {
			if lines[i].IndentLevel != level {
				continue
			}
			if ctx.Err() != nil {
				res.Aborted = true
				return res
			}

			parent := anchorUUID
			if level > 0 {
				for j := i - 1; j >= 0; j-- {
					if lines[j].IndentLevel >= level {
						continue
					}
					if uuid, ok := resolved[j]; ok {
						parent = uuid
						break
					}
					// Shallower line without a block (failed or
					// dropped): keep scanning for its own ancestor.
				}
			}

			opts := treestore.CreateOpts{CustomID: treestore.NewBlockID()}
			if bounds[i] != nil {
				opts.Properties = map[string]string{
					models.PropYBounds: models.FormatYBounds(*bounds[i]),
				}
			}

			block, err := b.store.CreateBlock(ctx, parent, lines[i].Text, opts)
			if err != nil {
				res.Errors = append(res.Errors, LineError{LineIndex: i, Text: lines[i].Text, Err: err.Error()})
				continue
			}
			resolved[i] = block.UUID
			res.CreatedByLine[i] = block.UUID
			b.logger.Debug("recon: block created",
				slog.String("uuid", block.UUID),
				slog.String("parent", parent),
				slog.Int("line", i),
				slog.Int("indent", level))
		}
	}
	return res
}
