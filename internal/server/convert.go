package server

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/toolgate/internal/engine"
	"github.com/triage-ai/palisade/toolgate/internal/ledger"
	"github.com/triage-ai/palisade/toolgate/internal/policy"
	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

// toValue converts an arbitrary tool result into a protobuf Value. Values
// structpb cannot take directly go through a JSON round trip; values that do
// not marshal at all are rendered with %v.
func toValue(v any) *structpb.Value {
	if pv, err := structpb.NewValue(v); err == nil {
		return pv
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return structpb.NewStringValue(fmt.Sprintf("%v", v))
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return structpb.NewStringValue(string(raw))
	}
	pv, err := structpb.NewValue(generic)
	if err != nil {
		return structpb.NewStringValue(string(raw))
	}
	return pv
}

func stringList(items []string) *structpb.Value {
	vals := make([]*structpb.Value, len(items))
	for i, s := range items {
		vals[i] = structpb.NewStringValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func millis(d time.Duration) *structpb.Value {
	return structpb.NewNumberValue(float64(d.Microseconds()) / 1000)
}

func argsFromValue(v *structpb.Value) registry.Args {
	if s := v.GetStructValue(); s != nil {
		return registry.Args(s.AsMap())
	}
	return nil
}

func resultStruct(r *engine.Result) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"tool_name":         structpb.NewStringValue(r.ToolName),
		"success":           structpb.NewBoolValue(r.Success),
		"value":             toValue(r.Value),
		"execution_time_ms": millis(r.ExecutionTime),
	}
	if r.Err != nil {
		fields["error"] = structpb.NewStringValue(r.Err.Error())
	}
	return &structpb.Struct{Fields: fields}
}

func resultList(results []*engine.Result) *structpb.Value {
	vals := make([]*structpb.Value, len(results))
	for i, r := range results {
		vals[i] = structpb.NewStructValue(resultStruct(r))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func decisionStruct(d policy.Decision) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"tool_name":      structpb.NewStringValue(d.ToolName),
		"allowed":        structpb.NewBoolValue(d.Allowed),
		"missing":        stringList(d.Missing),
		"policy_version": structpb.NewNumberValue(float64(d.Version)),
	}}
}

func violationStruct(v *policy.Violation) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"tool_name":            structpb.NewStringValue(v.ToolName),
		"missing_dependencies": stringList(v.Missing),
		"message":              structpb.NewStringValue(v.Message),
		"policy_version":       structpb.NewNumberValue(float64(v.Version)),
	}}
}

func recordStruct(r ledger.Record) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"tool_name": structpb.NewStringValue(r.ToolName),
		"timestamp": structpb.NewStringValue(r.Timestamp.UTC().Format(time.RFC3339Nano)),
		"state":     structpb.NewStringValue(r.Outcome.State().String()),
		"success":   structpb.NewBoolValue(r.Success()),
	}
	if err := r.Err(); err != nil {
		fields["error"] = structpb.NewStringValue(err.Error())
	}
	return &structpb.Struct{Fields: fields}
}
