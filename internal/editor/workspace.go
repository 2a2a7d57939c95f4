package editor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vincentbai/blockreplay-agent/internal/models"
)

var ErrNoSuchBlock = errors.New("no such block")

// Workspace is the block editor as the handler drives it.
type Workspace interface {
	Clear() error
	MoveBlock(id string, pos models.Position) error
	CreateBlock(blockType string, pos *models.Position) (string, error)
	SetField(id, field, value string) error
	DeleteBlock(id string) error
	Run(code string) error
	Stop() error
}

type Block struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Position models.Position   `json:"position"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// MemoryWorkspace is a Workspace held entirely in memory.
type MemoryWorkspace struct {
	mu      sync.Mutex
	blocks  map[string]*Block
	nextID  int
	running bool
	runs    []string
}

func NewMemoryWorkspace() *MemoryWorkspace {
	return &MemoryWorkspace{blocks: make(map[string]*Block)}
}

func (w *MemoryWorkspace) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocks = make(map[string]*Block)
	w.running = false
	return nil
}

func (w *MemoryWorkspace) MoveBlock(id string, pos models.Position) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.blocks[id]
	if !ok {
		return fmt.Errorf("move %s: %w", id, ErrNoSuchBlock)
	}
	b.Position = pos
	return nil
}

func (w *MemoryWorkspace) CreateBlock(blockType string, pos *models.Position) (string, error) {
	if blockType == "" {
		return "", fmt.Errorf("block type is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	b := &Block{ID: fmt.Sprintf("%s_%d", blockType, w.nextID), Type: blockType}
	if pos != nil {
		b.Position = *pos
	}
	w.blocks[b.ID] = b
	return b.ID, nil
}

// PutBlock inserts b as-is, replacing any block with the same id.
func (w *MemoryWorkspace) PutBlock(b Block) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocks[b.ID] = &b
}

func (w *MemoryWorkspace) SetField(id, field, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.blocks[id]
	if !ok {
		return fmt.Errorf("set field on %s: %w", id, ErrNoSuchBlock)
	}
	if b.Fields == nil {
		b.Fields = make(map[string]string)
	}
	b.Fields[field] = value
	return nil
}

func (w *MemoryWorkspace) DeleteBlock(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.blocks[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNoSuchBlock)
	}
	delete(w.blocks, id)
	return nil
}

func (w *MemoryWorkspace) Run(code string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.runs = append(w.runs, code)
	return nil
}

func (w *MemoryWorkspace) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	return nil
}

func (w *MemoryWorkspace) Block(id string) (Block, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.blocks[id]
	if !ok {
		return Block{}, false
	}
	out := *b
	if b.Fields != nil {
		out.Fields = make(map[string]string, len(b.Fields))
		for k, v := range b.Fields {
			out.Fields[k] = v
		}
	}
	return out, true
}

// Blocks returns a snapshot of every block ordered by id.
func (w *MemoryWorkspace) Blocks() []Block {
	w.mu.Lock()
	ids := make([]string, 0, len(w.blocks))
	for id := range w.blocks {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	sort.Strings(ids)
	out := make([]Block, 0, len(ids))
	for _, id := range ids {
		if b, ok := w.Block(id); ok {
			out = append(out, b)
		}
	}
	return out
}

func (w *MemoryWorkspace) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *MemoryWorkspace) Runs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.runs...)
}
