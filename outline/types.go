package outline

// Root addresses the top-level list in ReorderSiblings.
const Root = ""

const (
	// DefaultTitle is given to children created by InsertChild.
	DefaultTitle = "New section"
	// FallbackTitle replaces empty titles when the tree is serialized.
	FallbackTitle = "Untitled"
)

// Node is one chapter or section heading. A nil and an empty Children slice
// both mean "leaf".
type Node struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Children []Node `json:"children,omitempty"`
}

// RawNode is the shape returned by the outline-generation service; ids are optional.
type RawNode struct {
	ID       string    `json:"id,omitempty"`
	Title    string    `json:"title"`
	Children []RawNode `json:"children,omitempty"`
}

// SerializedNode is the shape the report-generation service expects.
type SerializedNode struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Sections []SerializedNode `json:"sections,omitempty"`
}

// Payload wraps the serialized top level under "chapters".
type Payload struct {
	Chapters []SerializedNode `json:"chapters"`
}
