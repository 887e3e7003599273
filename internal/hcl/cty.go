package hcl

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// ctyToNative converts a cty.Value into plain Go values: string, float64,
// bool, []any and map[string]any. Null and unknown values become nil.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert number to float64: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, el := it.Element()
			native, err := ctyToNative(el)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			k, el := it.Element()
			native, err := ctyToNative(el)
			if err != nil {
				return nil, fmt.Errorf("in attribute '%s': %w", k.AsString(), err)
			}
			out[k.AsString()] = native
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}

// evalAttributes evaluates every attribute of body against evalCtx. The cty
// values are returned alongside their native form so callers can expose them
// to later expressions.
func evalAttributes(body hcl.Body, evalCtx *hcl.EvalContext) (map[string]any, map[string]cty.Value, hcl.Diagnostics) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, nil, diags
	}
	native := make(map[string]any, len(attrs))
	values := make(map[string]cty.Value, len(attrs))
	for name, attr := range attrs {
		val, d := attr.Expr.Value(evalCtx)
		diags = append(diags, d...)
		if d.HasErrors() {
			continue
		}
		v, err := ctyToNative(val)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported value",
				Detail:   fmt.Sprintf("Attribute %q: %v.", name, err),
				Subject:  attr.Expr.Range().Ptr(),
			})
			continue
		}
		native[name] = v
		values[name] = val
	}
	return native, values, diags
}
