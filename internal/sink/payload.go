package sink

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Statement is one SQL statement with positional arguments.
type Statement struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// Batch is the payload format understood by the SQLite sink. A payload may
// also be a bare Statement object.
type Batch struct {
	Statements []Statement `json:"statements,omitempty"`
	SQL        string      `json:"sql,omitempty"`
	Args       []any       `json:"args,omitempty"`
}

var payloadAPI = sonic.Config{UseNumber: true}.Froze()

// ParseBatch decodes payload into the statements to execute.
func ParseBatch(payload []byte) ([]Statement, error) {
	var batch Batch
	if err := payloadAPI.Unmarshal(payload, &batch); err != nil {
		return nil, Wrap(ErrInvalidPayload, "decode", "payload is not a statement batch", err)
	}
	statements := batch.Statements
	if strings.TrimSpace(batch.SQL) != "" {
		if len(statements) > 0 {
			return nil, Wrap(ErrInvalidPayload, "decode", "payload mixes sql and statements", nil)
		}
		statements = []Statement{{SQL: batch.SQL, Args: batch.Args}}
	}
	if len(statements) == 0 {
		return nil, Wrap(ErrInvalidPayload, "decode", "payload has no statements", nil)
	}
	for i := range statements {
		if strings.TrimSpace(statements[i].SQL) == "" {
			return nil, Wrap(ErrInvalidPayload, "decode", fmt.Sprintf("statement %d has empty sql", i), nil)
		}
		for j, arg := range statements[i].Args {
			statements[i].Args[j] = normalizeArg(arg)
		}
	}
	return statements, nil
}

// EncodeBatch renders statements in the payload format.
func EncodeBatch(statements ...Statement) ([]byte, error) {
	data, err := json.Marshal(Batch{Statements: statements})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

// normalizeArg turns JSON numbers into int64 when integral, float64
// otherwise. Objects and arrays are bound as their JSON text.
func normalizeArg(arg any) any {
	switch v := arg.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return v
	}
}
