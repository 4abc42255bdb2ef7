package bus

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stoewer/go-strcase"
)

var exportLog = logrus.WithField("component", "bus.export")

// Handler receives the method calls addressed to one exported object path.
// It runs on the dispatcher goroutine and is responsible for sending its
// own reply or error, from another goroutine if it needs to block.
type Handler interface {
	HandleCall(c *Conn, m *Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(c *Conn, m *Message)

func (f HandlerFunc) HandleCall(c *Conn, m *Message) {
	f(c, m)
}

// CloseNotifier is implemented by handlers that want to learn when their
// connection crashed. The hook runs at most once.
type CloseNotifier interface {
	ConnectionClosed(c *Conn)
}

// ExportHandle removes an object export.
type ExportHandle struct {
	c    *Conn
	path ObjectPath
}

// Export installs a handler for method calls addressed to path. An existing
// handler at the same path is replaced.
func (c *Conn) Export(path ObjectPath, h Handler) (*ExportHandle, error) {
	if !path.IsValid() {
		return nil, fmt.Errorf("cannot export invalid path %q", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.run.exports[path] = h
	return &ExportHandle{c: c, path: path}, nil
}

// Unexport removes the handler at path and reports whether one was there.
func (c *Conn) Unexport(path ObjectPath) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return false
	}
	if _, ok := c.run.exports[path]; !ok {
		return false
	}
	delete(c.run.exports, path)
	return true
}

// Remove unexports the object. Removing twice is harmless.
func (h *ExportHandle) Remove() {
	h.c.Unexport(h.path)
}

func (c *Conn) exportedHandler(path ObjectPath) (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil, false
	}
	h, ok := c.run.exports[path]
	return h, ok
}

// childNodes computes the direct children of a query path from the set of
// exported paths, so every exported leaf stays reachable by a walk from the
// root through virtual parent nodes.
func (c *Conn) childNodes(path ObjectPath) []string {
	prefix := path.Components()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for exported := range c.run.exports {
		components := exported.Components()
		if len(components) <= len(prefix) {
			continue
		}
		matched := true
		for i, element := range prefix {
			if components[i] != element {
				matched = false
				break
			}
		}
		if matched {
			seen[components[len(prefix)]] = struct{}{}
		}
	}
	children := make([]string, 0, len(seen))
	for child := range seen {
		children = append(children, child)
	}
	sort.Strings(children)
	return children
}

const interfaceIntrospectable = "org.freedesktop.DBus.Introspectable"

// introspectParent builds the introspection document of a virtual parent
// node: only the Introspectable interface and the child node list.
func introspectParent(children []string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">`)
	b.WriteString("\n<node>\n")
	b.WriteString("\t<interface name=\"" + interfaceIntrospectable + "\">\n")
	b.WriteString("\t\t<method name=\"Introspect\">\n")
	b.WriteString("\t\t\t<arg name=\"xml\" type=\"s\" direction=\"out\"/>\n")
	b.WriteString("\t\t</method>\n")
	b.WriteString("\t</interface>\n")
	for _, child := range children {
		b.WriteString("\t<node name=\"" + child + "\"/>\n")
	}
	b.WriteString("</node>\n")
	return b.String()
}

// methodsHandler dispatches calls for one interface to the exported methods
// of a Go value.
type methodsHandler struct {
	iface   string
	value   reflect.Value
	methods map[string]reflect.Value
}

// ExportMethods builds a Handler from the exported methods of rcvr. The
// D-Bus member name of each method is its upper-camel Go name. Methods take
// the call's body values as arguments and reply with their return values;
// a trailing error return becomes an error reply instead.
func ExportMethods(iface string, rcvr interface{}) (Handler, error) {
	if !IsValidInterfaceName(iface) {
		return nil, fmt.Errorf("cannot export methods for invalid interface %q", iface)
	}
	value := reflect.ValueOf(rcvr)
	methods := map[string]reflect.Value{}
	kind := value.Type()
	for i := 0; i < kind.NumMethod(); i++ {
		method := kind.Method(i)
		if !method.IsExported() {
			continue
		}
		member := strcase.UpperCamelCase(method.Name)
		methods[member] = value.Method(i)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%T has no exported methods", rcvr)
	}
	return &methodsHandler{iface: iface, value: value, methods: methods}, nil
}

func (h *methodsHandler) HandleCall(c *Conn, m *Message) {
	if m.Interface != "" && m.Interface != h.iface {
		c.sendOrLog(c.SendError(m, ErrorUnknownMethod,
			fmt.Sprintf("Unknown interface %q", m.Interface)))
		return
	}
	method, ok := h.methods[m.Member]
	if !ok {
		c.sendOrLog(c.SendError(m, ErrorUnknownMethod,
			fmt.Sprintf("Unknown method %q on interface %q", m.Member, h.iface)))
		return
	}
	kind := method.Type()
	if kind.NumIn() != len(m.Body) {
		c.sendOrLog(c.SendError(m, ErrorFailed,
			fmt.Sprintf("Expected %d arguments, got %d", kind.NumIn(), len(m.Body))))
		return
	}
	in := make([]reflect.Value, kind.NumIn())
	for i := range in {
		arg, err := castValue(m.Body[i], kind.In(i), i)
		if err != nil {
			c.sendOrLog(c.SendException(m, err))
			return
		}
		in[i] = arg
	}
	out := method.Call(in)
	if n := len(out); n > 0 && kind.Out(n-1) == reflect.TypeOf((*error)(nil)).Elem() {
		if !out[n-1].IsNil() {
			c.sendOrLog(c.SendException(m, out[n-1].Interface().(error)))
			return
		}
		out = out[:n-1]
	}
	body := make([]interface{}, len(out))
	for i, v := range out {
		body[i] = v.Interface()
	}
	c.sendOrLog(c.SendReply(m, body...))
}

func (c *Conn) sendOrLog(err error) {
	if err != nil {
		exportLog.WithError(err).Debug("reply could not be sent")
	}
}
