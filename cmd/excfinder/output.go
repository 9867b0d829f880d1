package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/hokaccha/go-prettyjson"

	"github.com/715d/excfinder/pkg/excfinder"
)

var (
	methodColor    = color.New(color.Bold)
	exceptionColor = color.New(color.FgRed)
	producerColor  = color.New(color.FgCyan)
	faintColor     = color.New(color.Faint)
)

func writeResult(w io.Writer, r *Result) error {
	var (
		output string
		err    error
	)
	if cfg.JSON {
		output, err = formatJSONOutput(r)
	} else {
		output = formatTextOutput(r)
	}
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, output)
	return err
}

type jOutput struct {
	*Result
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func formatJSONOutput(r *Result) (string, error) {
	v := jOutput{
		Result:    r,
		Version:   version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	var (
		data []byte
		err  error
	)
	if color.NoColor {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = prettyjson.Marshal(v)
	}
	if err != nil {
		return "", fmt.Errorf("marshaling json output: %w", err)
	}
	return string(data) + "\n", nil
}

// formatTextOutput prints one block per method with unhandled exceptions:
//
//	App.Worker::Top
//	  System.InvalidOperationException  App.Worker::Thrower IL_0005
//	    App.Worker::Top > App.Worker::Mid > App.Worker::Thrower
func formatTextOutput(r *Result) string {
	var b strings.Builder
	for _, m := range r.Methods {
		if len(m.Unhandled) == 0 && m.Error == "" && !cfg.Verbose {
			continue
		}
		b.WriteString(methodColor.Sprint(m.Method))
		if !m.Complete {
			b.WriteString(faintColor.Sprint(" (incomplete)"))
		}
		b.WriteByte('\n')
		if m.Error != "" {
			fmt.Fprintf(&b, "  %s\n", exceptionColor.Sprintf("error: %s", m.Error))
		}
		for _, e := range m.Unhandled {
			fmt.Fprintf(&b, "  %s  %s\n", exceptionColor.Sprint(e.Type), producerColor.Sprint(where(e)))
			if len(e.CallStack) > 0 {
				fmt.Fprintf(&b, "    %s\n", faintColor.Sprint(strings.Join(e.CallStack, " > ")))
			}
		}
	}

	if cfg.Verbose {
		s := r.Stats
		fmt.Fprintf(&b, "\n%d methods, %d with unhandled exceptions, %d failed in %s\n",
			s.TotalMethods, s.UnhandledMethods, s.FailedMethods, s.AnalysisDuration)
		a := r.Anomalies
		fmt.Fprintf(&b, "anomalies: %d stack underflows, %d local type mismatches, %d unresolved tokens, %d malformed bodies\n",
			a.StackUnderflows, a.LocalTypeMismatches, a.UnresolvedTokens, a.MalformedBodies)
	}
	return b.String()
}

func where(e excfinder.ExceptionReport) string {
	if e.Documented {
		return e.Producer + " (documented)"
	}
	return fmt.Sprintf("%s IL_%04X", e.Producer, e.Offset)
}
