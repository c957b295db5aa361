// Package ids issues opaque record ids and the short human readable request uids.
package ids

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

const uidPrefix = "SR-"

type Generator struct {
	node *snowflake.Node
}

// New returns a generator for the given snowflake node (0-1023). Every
// running instance needs its own node number for uids to stay unique.
func New(node int64) (*Generator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, err
	}
	return &Generator{node: n}, nil
}

func (g *Generator) NewID() string {
	return uuid.NewString()
}

func (g *Generator) NewUID() string {
	return uidPrefix + strings.ToUpper(g.node.Generate().Base36())
}
