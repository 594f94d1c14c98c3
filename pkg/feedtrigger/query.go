package feedtrigger

import (
	"bytes"
	"fmt"
	"io"
	"text/template"
	"text/template/parse"
)

// QueryParams are the values available to query templates.
type QueryParams struct {
	Project    string
	Dataset    string
	MerchantID string
	AdsID      string
	RunDate    string
	// Destination is the export URI of EXPORT DATA statements.
	Destination  string
	Condition    string
	LabelIndex   string
	Optimisation string
}

// LowVolumeSKUsQuery exports the low-volume SKUs of an account pair as a
// supplemental feed.
const LowVolumeSKUsQuery = `
EXPORT DATA OPTIONS(
  uri='{{.Destination}}',
  format='CSV',
  overwrite=true,
  header=true,
  field_delimiter='\t')
AS
  SELECT DISTINCT * FROM (
    SELECT offer_id, item_group_id, country, 'low_volume_sku' AS custom_label_{{.LabelIndex}}
    FROM ` + "`{{.Project}}.{{.Dataset}}.LowVolumeSkus_{{.MerchantID}}_{{.AdsID}}_{{.RunDate}}`" + `
    WHERE
      {{.Condition}}
  )`

// ZombiesQuery selects the zombie products of an account pair for a day.
const ZombiesQuery = `
SELECT offer_id, item_group_id, "zombie" AS custom_label_100
FROM ` + "`{{.Project}}.{{.Dataset}}.ZombieProducts_{{.MerchantID}}_{{.AdsID}}_*`" + `
WHERE
  _TABLE_SUFFIX = '{{.RunDate}}'
  AND avg_{{.Optimisation}} < {{.Optimisation}}_threshold`

// QueryTemplate is a SQL text with {{.Field}} placeholders. The SQL itself is
// never interpreted.
type QueryTemplate struct {
	tmpl *template.Template
}

// NewQueryTemplate parses text and checks that it only references fields of
// QueryParams and that every required field is referenced.
func NewQueryTemplate(name, text string, required ...string) (*QueryTemplate, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template %s: %v", name, err)
	}
	if err := tmpl.Execute(io.Discard, &QueryParams{}); err != nil {
		return nil, fmt.Errorf("template %s: %v", name, err)
	}
	fields := map[string]bool{}
	if tmpl.Tree != nil {
		collectFields(tmpl.Tree.Root, fields)
	}
	for _, f := range required {
		if !fields[f] {
			return nil, fmt.Errorf("template %s lacks placeholder {{.%s}}", name, f)
		}
	}
	return &QueryTemplate{tmpl: tmpl}, nil
}

func collectFields(n parse.Node, fields map[string]bool) {
	switch n := n.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			collectFields(c, fields)
		}
	case *parse.ActionNode:
		collectFields(n.Pipe, fields)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, c := range n.Cmds {
			collectFields(c, fields)
		}
	case *parse.CommandNode:
		for _, a := range n.Args {
			collectFields(a, fields)
		}
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			fields[n.Ident[0]] = true
		}
	case *parse.IfNode:
		collectBranch(&n.BranchNode, fields)
	case *parse.RangeNode:
		collectBranch(&n.BranchNode, fields)
	case *parse.WithNode:
		collectBranch(&n.BranchNode, fields)
	}
}

func collectBranch(b *parse.BranchNode, fields map[string]bool) {
	collectFields(b.Pipe, fields)
	collectFields(b.List, fields)
	collectFields(b.ElseList, fields)
}

// Execute renders the query.
func (q *QueryTemplate) Execute(p *QueryParams) (string, error) {
	var buf bytes.Buffer
	if err := q.tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("template %s: %v", q.tmpl.Name(), err)
	}
	return buf.String(), nil
}
