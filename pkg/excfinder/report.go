package excfinder

import (
	"github.com/715d/excfinder/internal/analysis"
	"github.com/715d/excfinder/internal/callpath"
)

// ExceptionReport describes one exception in a MethodReport.
type ExceptionReport struct {
	Type     string `json:"type"`
	Producer string `json:"producer"`
	// Offset is the IL offset of the raising instruction in Producer, or -1
	// when the exception comes from documentation.
	Offset     int      `json:"offset"`
	Documented bool     `json:"documented,omitempty"`
	CallStack  []string `json:"call_stack,omitempty"`
}

// MethodReport is the display form of one method's analysis.
type MethodReport struct {
	Method    string            `json:"method"`
	Complete  bool              `json:"complete"`
	Error     string            `json:"error,omitempty"`
	Calls     []string          `json:"calls,omitempty"`
	Thrown    []ExceptionReport `json:"thrown,omitempty"`
	Unhandled []ExceptionReport `json:"unhandled"`
}

func newReport(t *analysis.Table, rec *analysis.Method, callStacks bool) MethodReport {
	name := func(id analysis.MethodID) string {
		if m, ok := t.Get(id); ok {
			return m.Desc.FullName()
		}
		return "?"
	}

	r := MethodReport{
		Method:    rec.Desc.FullName(),
		Complete:  rec.Complete,
		Unhandled: []ExceptionReport{},
	}
	if rec.Err != nil {
		r.Error = rec.Err.Error()
	}
	for _, id := range rec.Callees() {
		r.Calls = append(r.Calls, name(id))
	}

	convert := func(e analysis.ThrownException, withStack bool) ExceptionReport {
		er := ExceptionReport{
			Type:       t.Names().TypeName(e.Type),
			Producer:   name(e.Method),
			Offset:     e.Offset,
			Documented: e.IsXmlDoc,
		}
		if withStack && e.Method != rec.ID {
			for _, id := range callpath.Shortest(t, rec.ID, e.Method) {
				er.CallStack = append(er.CallStack, name(id))
			}
		}
		return er
	}
	for _, e := range rec.ThrownExceptions {
		r.Thrown = append(r.Thrown, convert(e, false))
	}
	for _, e := range rec.UnhandledExceptions {
		r.Unhandled = append(r.Unhandled, convert(e, callStacks))
	}
	return r
}
