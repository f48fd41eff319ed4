package client

import (
	"context"
	"fmt"
	"io"
	"strings"

	"comms-ccf/channel"
)

// Param is one named, typed parameter of a peer function.
type Param struct {
	Name string
	Type string
}

// Function describes one entry of the peer's function table. Type names are
// the peer's: int, str, bytes and so on.
type Function struct {
	Index   uint8
	Name    string
	Doc     string
	Returns string
	Params  []Param
}

// schemaFunction is function 0, which every peer answers with its table.
var schemaFunction = Function{
	Index:   0,
	Name:    "schema",
	Doc:     "show the RPC schema",
	Returns: "list",
}

// Signature renders f like "add(x: int, y: int) -> int".
func (f Function) Signature() string {
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteByte('(')
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", p.Name, p.Type)
	}
	b.WriteByte(')')
	if f.Returns != "" {
		b.WriteString(" -> ")
		b.WriteString(f.Returns)
	}
	return b.String()
}

// Discover fetches the function table from the peer and replaces the
// current one. On failure the previous table, if any, stays in use.
func (c *Client) Discover(ctx context.Context) error {
	if err := c.demux.OpenChannel(channel.RPC, 0); err != nil {
		return err
	}

	prev := c.State()
	c.state.Store(int32(Discovering))

	raw, err := c.Call(ctx, schemaFunction.Index)
	if err == nil {
		var functions []Function
		if functions, err = parseSchema(raw); err == nil {
			c.install(functions)
			c.state.Store(int32(Ready))
			for _, f := range functions {
				c.logger.Debug().Uint8("index", f.Index).Msg("discovered " + f.Signature())
			}
			c.logger.Info().Int("functions", len(functions)).Msg("schema discovered")
			return nil
		}
	}

	c.state.Store(int32(prev))
	return err
}

func (c *Client) install(functions []Function) {
	byName := make(map[string]Function, len(functions)+1)
	byName[schemaFunction.Name] = schemaFunction
	for _, f := range functions {
		byName[f.Name] = f
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.schema = functions
	c.byName = byName
}

// parseSchema validates the reply to function 0: a list whose entries are
// [name, doc, returns, param, type, param, type, ...], all strings.
func parseSchema(raw any) ([]Function, error) {
	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T, want a list", ErrSchemaInvalid, raw)
	}
	if len(entries) > 255 {
		return nil, fmt.Errorf("%w: %d functions do not fit 8-bit indices", ErrSchemaInvalid, len(entries))
	}

	functions := make([]Function, 0, len(entries))
	for i, e := range entries {
		fields, ok := e.([]any)
		if !ok || len(fields) < 3 || (len(fields)-3)%2 != 0 {
			return nil, fmt.Errorf("%w: entry %d is not [name, doc, returns, (param, type)...]", ErrSchemaInvalid, i)
		}
		strs := make([]string, len(fields))
		for j, f := range fields {
			s, ok := f.(string)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d field %d is %T, want a string", ErrSchemaInvalid, i, j, f)
			}
			strs[j] = s
		}

		f := Function{
			Index:   uint8(i + 1),
			Name:    strs[0],
			Doc:     strs[1],
			Returns: strs[2],
		}
		for j := 3; j < len(strs); j += 2 {
			f.Params = append(f.Params, Param{Name: strs[j], Type: strs[j+1]})
		}
		functions = append(functions, f)
	}
	return functions, nil
}

// Schema returns the discovered peer functions in index order, without the
// built-in schema function.
func (c *Client) Schema() []Function {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Function(nil), c.schema...)
}

// Functions lists the callable names in index order, "schema" first.
func (c *Client) Functions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.schema)+1)
	names = append(names, schemaFunction.Name)
	for _, f := range c.schema {
		names = append(names, f.Name)
	}
	return names
}

func (c *Client) Lookup(name string) (Function, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.byName[name]
	return f, ok
}

func (c *Client) function(index uint8) (Function, bool) {
	if index == 0 {
		return schemaFunction, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(index) > len(c.schema) {
		return Function{}, false
	}
	return c.schema[index-1], true
}

// Help writes the documentation of one function, or of all of them when
// name is empty.
func (c *Client) Help(w io.Writer, name string) error {
	var functions []Function
	if name == "" {
		functions = append([]Function{schemaFunction}, c.Schema()...)
	} else {
		f, ok := c.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownFunction, name)
		}
		functions = []Function{f}
	}

	for _, f := range functions {
		if _, err := fmt.Fprintf(w, "| %s\n", f.Signature()); err != nil {
			return err
		}
		if f.Doc != "" {
			if _, err := fmt.Fprintf(w, "|     %s\n", f.Doc); err != nil {
				return err
			}
		}
	}
	return nil
}
