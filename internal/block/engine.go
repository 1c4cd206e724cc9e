package block

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Engine merges default blocks with a story's block configuration.
type Engine struct {
	scriptTimeout time.Duration
	logger        zerolog.Logger
}

// NewEngine creates a block engine. scriptTimeout bounds each script block
// evaluation.
func NewEngine(scriptTimeout time.Duration, logger zerolog.Logger) *Engine {
	if scriptTimeout <= 0 {
		scriptTimeout = 250 * time.Millisecond
	}
	return &Engine{
		scriptTimeout: scriptTimeout,
		logger:        logger.With().Str("component", "block_engine").Logger(),
	}
}

// Apply produces the final ordered block list:
//  1. evaluate enabled custom blocks (script errors become visible error
//     blocks, empty script results drop the block),
//  2. apply content-mode overrides,
//  3. position blocks referenced in blockOrder,
//  4. apply per-id order overrides,
//  5. remove blocks disabled by override.
//
// The result is sorted system-before-user, then by ascending order with ties
// kept in insertion order.
func (e *Engine) Apply(defaults []ContextBlock, cfg *Config, sctx *ScriptContext) []ContextBlock {
	blocks := make([]ContextBlock, len(defaults))
	copy(blocks, defaults)

	if cfg == nil {
		cfg = &Config{}
	}

	for _, def := range cfg.CustomBlocks {
		if !def.Enabled {
			continue
		}
		if ov, ok := cfg.Overrides[def.ID]; ok && ov.Enabled != nil && !*ov.Enabled {
			continue
		}
		cb, keep := e.resolveCustom(def, sctx)
		if keep {
			blocks = append(blocks, cb)
		}
	}

	for i := range blocks {
		ov, ok := cfg.Overrides[blocks[i].ID]
		if !ok || ov.ContentMode == nil {
			continue
		}
		switch *ov.ContentMode {
		case ModeOverride:
			blocks[i].Content = ov.CustomContent
		case ModePrepend:
			blocks[i].Content = ov.CustomContent + "\n" + blocks[i].Content
		case ModeAppend:
			blocks[i].Content = blocks[i].Content + "\n" + ov.CustomContent
		}
	}

	if len(cfg.BlockOrder) > 0 {
		pos := make(map[string]int, len(cfg.BlockOrder))
		for i, id := range cfg.BlockOrder {
			pos[id] = i
		}
		for i := range blocks {
			if p, ok := pos[blocks[i].ID]; ok {
				blocks[i].Order = float64(p)
			}
		}
	}

	for i := range blocks {
		if ov, ok := cfg.Overrides[blocks[i].ID]; ok && ov.Order != nil {
			blocks[i].Order = *ov.Order
		}
	}

	kept := blocks[:0]
	for _, b := range blocks {
		if ov, ok := cfg.Overrides[b.ID]; ok && ov.Enabled != nil && !*ov.Enabled {
			continue
		}
		kept = append(kept, b)
	}

	Sort(kept)
	return kept
}

func (e *Engine) resolveCustom(def CustomBlockDefinition, sctx *ScriptContext) (ContextBlock, bool) {
	role := def.Role
	if role != RoleSystem {
		role = RoleUser
	}
	cb := ContextBlock{
		ID:     def.ID,
		Role:   role,
		Order:  def.Order,
		Source: SourceCustom,
		Name:   def.Name,
	}

	switch def.Type {
	case TypeScript:
		out, err := e.evalScript(def.Content, sctx)
		if err != nil {
			e.logger.Warn().Err(err).Str("block", def.Name).Msg("script block failed")
			cb.Content = fmt.Sprintf("[Script error in %q: %s]", def.Name, scriptErrorMessage(err))
			return cb, true
		}
		if out == "" {
			return ContextBlock{}, false
		}
		cb.Content = out
	default:
		cb.Content = def.Content
	}
	return cb, true
}

// Sort orders blocks system-before-user, then by ascending order. The sort
// is stable so insertion order breaks ties.
func Sort(blocks []ContextBlock) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Role != blocks[j].Role {
			return blocks[i].Role == RoleSystem
		}
		return blocks[i].Order < blocks[j].Order
	})
}

// Concat joins the contents of the given role's blocks with blank lines,
// assuming blocks are already sorted.
func Concat(blocks []ContextBlock, role string) string {
	var parts []string
	for _, b := range blocks {
		if b.Role == role && b.Content != "" {
			parts = append(parts, b.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
