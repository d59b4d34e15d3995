package mcts

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/awalterschulze/gographviz"
	"github.com/tengen-go/tengen/game"
)

// dotNode is the per-node view handed to the label template.
type dotNode struct {
	ID     int
	Move   string
	Visits int32
	Policy float32
	Eval   float32
	Status Status
}

// ToDot dumps the live tree in graphviz dot format. Meant for offline
// inspection; call it only while no workers run.
func (s *Search) ToDot() string {
	g := gographviz.NewGraph()
	if err := g.SetName("G"); err != nil {
		panic(err)
	}
	g.SetDir(true)

	var buf bytes.Buffer
	nextID := 0
	var walk func(n *Node) int
	walk = func(n *Node) int {
		id := nextID
		nextID++

		var eval float32
		if n.Visits() > 0 {
			eval = n.RawEval(Black, 0)
		}
		tmpl.Execute(&buf, dotNode{
			ID:     id,
			Move:   game.MoveToText(n.Move(), s.BoardSize),
			Visits: n.Visits(),
			Policy: n.Policy(),
			Eval:   eval,
			Status: Status(n.status.Load()),
		})
		attrs := map[string]string{
			"fontname": "Monaco",
			"shape":    "none",
			"label":    buf.String(),
		}
		g.AddNode("G", fmt.Sprintf("n%d", id), attrs)
		buf.Reset()

		for _, child := range n.children {
			cn := child.get()
			if cn == nil || !cn.Active() {
				continue
			}
			kid := walk(cn)
			g.AddEdge(fmt.Sprintf("n%d", id), fmt.Sprintf("n%d", kid), true, nil)
		}
		return id
	}
	walk(s.root)
	return g.String()
}

const tmplRaw = `<
<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0">
<TR><TD>Node ID</TD><TD>{{.ID}}</TD></TR>
<TR><TD>Move</TD><TD>{{.Move}}</TD></TR>
<TR><TD>Visits</TD><TD>{{.Visits}}</TD></TR>
<TR><TD>Policy</TD><TD>{{.Policy}}</TD></TR>
<TR><TD>Eval</TD><TD>{{.Eval}}</TD></TR>
<TR><TD>Status</TD><TD>{{.Status}}</TD></TR>
</TABLE>
>
`

var tmpl *template.Template

func init() {
	tmpl = template.Must(template.New("node").Parse(tmplRaw))
}
