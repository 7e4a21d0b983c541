package llm

import (
	"sort"
	"strings"
)

// toolCallAccumulator gathers streamed tool-call fragments per index.
// A fragment may carry the ID and name (first delta for that index) or
// another slice of the arguments JSON; arguments are only parsed once the
// stream finishes.
type toolCallAccumulator struct {
	partials map[int]*partialToolCall
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *toolCallAccumulator) add(frag wireToolCallFrag) {
	if a.partials == nil {
		a.partials = make(map[int]*partialToolCall)
	}
	p, ok := a.partials[frag.Index]
	if !ok {
		p = &partialToolCall{}
		a.partials[frag.Index] = p
	}
	if frag.ID != "" {
		p.id = frag.ID
	}
	if frag.Function.Name != "" {
		p.name = frag.Function.Name
	}
	p.args.WriteString(frag.Function.Arguments)
}

// finalize parses each accumulated call, ordered by index. Unparseable
// arguments become an empty map; a fragment set with no name is dropped.
func (a *toolCallAccumulator) finalize() []ToolCall {
	if len(a.partials) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(a.partials))
	for i := range a.partials {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var calls []ToolCall
	for _, i := range indexes {
		p := a.partials[i]
		if p.name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        toolCallID(p.id, p.name, i),
			Name:      p.name,
			Arguments: parseToolArguments(p.args.String()),
		})
	}
	return calls
}
