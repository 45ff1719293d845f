package gnb

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"gnb-go/pkg/txbuffer"

	"github.com/goccy/go-graphviz"
)

const graphHeader = `digraph txbuffers {
    graph [fontname="monospace" rankdir=LR bgcolor=transparent];
    node [fontname="courier new" shape=box style=rounded];
    edge [fontname="courier new" fontsize=10];
`

// PoolGraph renders buffer occupancy as DOT: one node per endpoint linked
// to the buffers its HARQ processes hold, plus the free buffers and the
// transient ones.
func PoolGraph(cellID uint32, buffers []txbuffer.BufferInfo) string {
	var b strings.Builder
	b.WriteString(graphHeader)
	fmt.Fprintf(&b, "    \"cell\" [shape=doubleoctagon color=\"#FFB0B0\" label=\"cell %d\"];\n", cellID)

	endpoints := map[uint16][]txbuffer.BufferInfo{}
	var free, transient []int
	for _, bi := range buffers {
		switch {
		case bi.State == txbuffer.StateFree.String():
			free = append(free, bi.Index)
		case bi.ID == nil || bi.ID.IsTransient():
			transient = append(transient, bi.Index)
		default:
			endpoints[bi.ID.Endpoint] = append(endpoints[bi.ID.Endpoint], bi)
		}
	}

	rntis := make([]uint16, 0, len(endpoints))
	for rnti := range endpoints {
		rntis = append(rntis, rnti)
	}
	sort.Slice(rntis, func(i, j int) bool { return rntis[i] < rntis[j] })

	for _, rnti := range rntis {
		fmt.Fprintf(&b, "    \"ue%#x\" [color=grey label=\"endpoint %#x\"];\n", rnti, rnti)
		fmt.Fprintf(&b, "    \"cell\" -> \"ue%#x\" [style=dashed arrowhead=none color=grey];\n", rnti)
		for _, bi := range endpoints[rnti] {
			fmt.Fprintf(&b, "    \"buf%d\" [color=green label=\"#%d\\n%d cb\\nexp %s\"];\n",
				bi.Index, bi.Index, bi.NofCodeblocks, bi.Expire)
			fmt.Fprintf(&b, "    \"ue%#x\" -> \"buf%d\" [label=\"h%d\"];\n", rnti, bi.Index, bi.ID.HarqID)
		}
	}
	for _, idx := range transient {
		fmt.Fprintf(&b, "    \"buf%d\" [color=orange label=\"#%d\\ntransient\"];\n", idx, idx)
		fmt.Fprintf(&b, "    \"cell\" -> \"buf%d\" [color=orange];\n", idx)
	}
	fmt.Fprintf(&b, "    \"free\" [shape=folder color=grey label=\"free: %d\"];\n", len(free))
	b.WriteString("}\n")
	return b.String()
}

// RenderSVG lays out a DOT document with the embedded graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	graph, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("gnb: failed to parse graph: %w", err)
	}
	g, err := graphviz.New(ctx)
	if err != nil {
		return nil, err
	}
	defer g.Close()
	defer graph.Close()

	var buf bytes.Buffer
	if err := g.Render(ctx, graph, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("gnb: failed to render graph: %w", err)
	}
	return buf.Bytes(), nil
}
