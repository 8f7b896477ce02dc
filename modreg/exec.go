package modreg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Execute runs a loaded unit with the given parameters and returns the
// result as a string (JSON for sql_query handlers). The unit must be loaded
// and active, and every parameter the schema marks required must be
// present.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	r.mu.RLock()
	u, ok := r.units[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}
	if !u.Active {
		return "", fmt.Errorf("%w: %s", ErrUnitInactive, name)
	}
	if err := checkRequired(u, params); err != nil {
		return "", err
	}

	switch u.Handler.Type {
	case HandlerSQLQuery:
		return r.execSQL(ctx, u, params)
	case HandlerGoFunction:
		return r.execGoFunc(ctx, u, params)
	case HandlerTemplate:
		return execTemplate(u, params)
	default:
		return "", fmt.Errorf("modreg: unit %s: unknown handler type %q", name, u.Handler.Type)
	}
}

// checkRequired enforces the input schema's required list.
func checkRequired(u *ToolUnit, params map[string]any) error {
	var missing []string
	for _, key := range requiredNames(u) {
		if _, present := params[key]; !present {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: unit %s: %s",
			ErrMissingParams, u.Name, strings.Join(missing, ", "))
	}
	return nil
}

// requiredNames returns the input schema's required list as strings.
func requiredNames(u *ToolUnit) []string {
	req, ok := u.InputSchema["required"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(req))
	for _, v := range req {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// execSQL binds parameters to the query's placeholders in Handler.Params
// order, falling back to the schema's required order when params is absent,
// and returns the result rows as a JSON array of objects.
func (r *Registry) execSQL(ctx context.Context, u *ToolUnit, params map[string]any) (string, error) {
	if r.db == nil {
		return "", fmt.Errorf("%w: unit %s", ErrNoDatabase, u.Name)
	}

	names := u.Handler.Params
	if len(names) == 0 {
		names = requiredNames(u)
	}
	args := make([]any, len(names))
	for i, p := range names {
		args[i] = params[p]
	}

	rows, err := r.db.QueryContext(ctx, u.Handler.Query, args...)
	if err != nil {
		return "", fmt.Errorf("modreg: unit %s: query: %w", u.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("modreg: unit %s: columns: %w", u.Name, err)
	}

	out := make([]map[string]any, 0, 8)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("modreg: unit %s: scan: %w", u.Name, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("modreg: unit %s: rows: %w", u.Name, err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("modreg: unit %s: marshal result: %w", u.Name, err)
	}
	return string(data), nil
}

func (r *Registry) execGoFunc(ctx context.Context, u *ToolUnit, params map[string]any) (string, error) {
	r.mu.RLock()
	fn, ok := r.goFuncs[u.Handler.Func]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s (unit %s)", ErrFuncNotRegistered, u.Handler.Func, u.Name)
	}
	res, err := fn(ctx, params)
	if err != nil {
		return "", fmt.Errorf("modreg: unit %s: %w", u.Name, err)
	}
	return res, nil
}

func execTemplate(u *ToolUnit, params map[string]any) (string, error) {
	if u.tmpl == nil {
		return "", fmt.Errorf("modreg: unit %s: template not compiled", u.Name)
	}
	var sb strings.Builder
	if err := u.tmpl.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("modreg: unit %s: render: %w", u.Name, err)
	}
	return sb.String(), nil
}
