package sim

import (
	"fmt"
	"sync"

	"github.com/rs/xid"
)

// IDGenerator can generate IDs
type IDGenerator interface {
	// Generate an ID
	Generate() string
}

var idGeneratorMutex sync.Mutex
var idGenerator IDGenerator

// UseSequentialIDGenerator configures the ID generator to generate IDs in
// sequential. This function is not thread-safe.
func UseSequentialIDGenerator() {
	idGeneratorMutex.Lock()
	defer idGeneratorMutex.Unlock()

	idGenerator = &sequentialIDGenerator{}
}

// UseParallelIDGenerator configures the ID generator to generate IDs that
// can be generated in parallel. The IDs generated is unique, but not
// necessarily in sequential.
func UseParallelIDGenerator() {
	idGeneratorMutex.Lock()
	defer idGeneratorMutex.Unlock()

	idGenerator = &parallelIDGenerator{}
}

// GetIDGenerator returns the ID generator in use
func GetIDGenerator() IDGenerator {
	idGeneratorMutex.Lock()
	defer idGeneratorMutex.Unlock()

	if idGenerator == nil {
		idGenerator = &sequentialIDGenerator{}
	}

	return idGenerator
}

type sequentialIDGenerator struct {
	sync.Mutex
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	g.Lock()
	defer g.Unlock()

	id := fmt.Sprintf("%d", g.nextID)
	g.nextID++
	return id
}

type parallelIDGenerator struct {
}

func (g parallelIDGenerator) Generate() string {
	return xid.New().String()
}
