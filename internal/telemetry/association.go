package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// AssociationAttributePrefix prefixes correlation properties on spans, the
// key layout collectors built on OpenLLMetry group traces by.
const AssociationAttributePrefix = "traceloop.association.properties."

// associationBaggagePrefix keeps correlation properties apart from unrelated
// baggage members.
const associationBaggagePrefix = "association."

// WithAssociationProperties returns a context carrying props. Every span
// started from the returned context, or from one derived from it, is tagged
// with them; spans started from other contexts are not.
func WithAssociationProperties(ctx context.Context, props map[string]string) (context.Context, error) {
	b := baggage.FromContext(ctx)

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return ctx, errors.New("telemetry: association property key must not be empty")
		}
		m, err := baggage.NewMemberRaw(associationBaggagePrefix+k, props[k])
		if err != nil {
			return ctx, fmt.Errorf("telemetry: association property %q: %w", k, err)
		}
		b, err = b.SetMember(m)
		if err != nil {
			return ctx, fmt.Errorf("telemetry: association property %q: %w", k, err)
		}
	}
	return baggage.ContextWithBaggage(ctx, b), nil
}

// AssociationProperties returns the correlation properties carried by ctx.
func AssociationProperties(ctx context.Context) map[string]string {
	out := map[string]string{}
	for _, m := range baggage.FromContext(ctx).Members() {
		if k, ok := strings.CutPrefix(m.Key(), associationBaggagePrefix); ok {
			out[k] = m.Value()
		}
	}
	return out
}

// AssociationSpanProcessor copies the correlation properties of the parent
// context onto every span when it starts.
type AssociationSpanProcessor struct{}

var _ sdktrace.SpanProcessor = AssociationSpanProcessor{}

func NewAssociationSpanProcessor() AssociationSpanProcessor {
	return AssociationSpanProcessor{}
}

func (AssociationSpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	props := AssociationProperties(parent)
	if len(props) == 0 {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(props))
	for k, v := range props {
		attrs = append(attrs, attribute.String(AssociationAttributePrefix+k, v))
	}
	s.SetAttributes(attrs...)
}

func (AssociationSpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (AssociationSpanProcessor) Shutdown(context.Context) error { return nil }

func (AssociationSpanProcessor) ForceFlush(context.Context) error { return nil }
