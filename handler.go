package fabric

// Handler services inbound requests for one method name. Implementations
// must be safe for concurrent invocation: each inbound request runs on
// its own goroutine.
type Handler interface {
	Invoke(body interface{}) (interface{}, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(body interface{}) (interface{}, error)

func (f HandlerFunc) Invoke(body interface{}) (interface{}, error) {
	return f(body)
}

// RegisterHandler registers a handler under a method name. Registering
// the same name again replaces the previous handler.
func (n *Node) RegisterHandler(method string, h Handler) {
	n.handlers.Store(method, h)
}

// RegisterHandlerFunc registers a plain function as a handler.
func (n *Node) RegisterHandlerFunc(method string, fn func(body interface{}) (interface{}, error)) {
	n.RegisterHandler(method, HandlerFunc(fn))
}

// UnregisterHandler removes a handler. In-flight invocations finish.
func (n *Node) UnregisterHandler(method string) {
	n.handlers.Delete(method)
}

func (n *Node) lookupHandler(method string) Handler {
	v, ok := n.handlers.Load(method)
	if !ok {
		return nil
	}
	return v.(Handler)
}

// Methods returns the names of all registered handlers.
func (n *Node) Methods() []string {
	var names []string
	n.handlers.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}
