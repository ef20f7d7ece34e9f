package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher resolves tool names and runs invocations. Every failure mode
// (unknown tool, invalid arguments, execution error) is folded into the
// returned string so the model can read the diagnostic and try again;
// Invoke never fails the surrounding agent run.
type Dispatcher struct {
	registry *ToolRegistry
}

func NewDispatcher(reg *ToolRegistry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Registry exposes the backing registry for definition listing.
func (d *Dispatcher) Registry() *ToolRegistry {
	return d.registry
}

// Invoke validates args against the registered schema and executes the tool.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) string {
	tracer := otel.Tracer("cortex.tools")
	ctx, span := tracer.Start(ctx, "tool.invoke",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	entry, ok := d.registry.Get(name)
	if !ok {
		span.SetStatus(codes.Error, "tool not found")
		return fmt.Sprintf("Tool '%s' is not available.", name)
	}

	if args == nil {
		args = map[string]any{}
	}

	if entry.Schema != nil {
		if err := validateArgs(entry.Schema, args); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid arguments")
			return fmt.Sprintf("Invalid arguments for tool '%s': %v", name, err)
		}
	}

	output, err := entry.Tool.Execute(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		return fmt.Sprintf("Error executing tool '%s': %v", name, err)
	}
	if output == "" {
		return fmt.Sprintf("Tool '%s' returned no output.", name)
	}
	return output
}

// validateArgs re-encodes the arguments through JSON so the validator sees
// canonical JSON types regardless of how the map was built.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON-encodable: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
