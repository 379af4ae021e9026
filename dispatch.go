package fabric

import (
	"fmt"
	"log/slog"
)

// dispatch routes every inbound envelope by tag. It runs on the
// connection's read goroutine, so anything slow (handler invocation)
// moves to its own goroutine. Payload structs may be pooled by the
// transport and recycled after this function returns, so any field that
// outlives the call is copied out first.
func (n *Node) dispatch(from string, env WireEnvelope) {
	n.touchPeer(from)

	switch env.Tag {
	case TagRequest:
		req := env.Payload.(*Request)
		id, method, body := req.CorrelationID, req.Method, req.Body
		go n.serveRequest(from, id, method, body)

	case TagResponse:
		resp := env.Payload.(*Response)
		n.calls.resolve(resp.CorrelationID, resp.Body)

	case TagErrorResponse:
		er := env.Payload.(*ErrorResponse)
		n.calls.fail(er.CorrelationID, errorFromWire(er.Kind, er.Message))

	case TagPublish:
		pub := env.Payload.(*Publish)
		if n.subs.deliverLocal(pub.Topic, pub.Body) {
			n.metrics.PublishesDelivered.Add(1)
		} else {
			// No local subscriber: the peer's view of our interest was
			// stale (unsubscribe still in flight). Drop silently.
			n.metrics.PublishesDropped.Add(1)
		}

	case TagSubscribe:
		sub := env.Payload.(*Subscribe)
		n.subs.addRemote(from, sub.Topic)

	case TagUnsubscribe:
		unsub := env.Payload.(*Unsubscribe)
		n.subs.removeRemote(from, unsub.Topic)

	case TagPing:
		n.transport.SendTo(from, "", WireEnvelope{Tag: TagPong, Payload: &Pong{}})

	case TagPong:
		// lastSeen already refreshed above; nothing else to do

	case tagDecodeFailure:
		n.handleDecodeFailure(from, env.Payload)

	default:
		slog.Warn("unknown message tag", "node", n.id, "peer", from, "tag", env.Tag)
	}
}

// serveRequest runs the registered handler for an inbound request and
// sends back a Response or ErrorResponse. Handler panics are captured
// and reported to the caller as remote errors instead of crashing the
// node.
func (n *Node) serveRequest(from string, id int64, method string, body interface{}) {
	h := n.lookupHandler(method)
	if h == nil {
		n.metrics.RequestsErrored.Add(1)
		n.sendErrorResponse(from, id, errKindNoSuchMethod, method)
		return
	}

	value, err := n.invokeHandler(h, body)
	if err != nil {
		n.metrics.RequestsErrored.Add(1)
		kind, message := errorToWire(err)
		n.sendErrorResponse(from, id, kind, message)
		return
	}

	resp := responsePool.Get().(*Response)
	resp.CorrelationID = id
	resp.Body = value
	if err := n.transport.SendTo(from, "", WireEnvelope{Tag: TagResponse, Payload: resp}); err != nil {
		slog.Warn("response send failed", "node", n.id, "peer", from, "method", method, "error", err)
		return
	}
	n.metrics.RequestsServed.Add(1)
}

func (n *Node) invokeHandler(h Handler, body interface{}) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "node", n.id, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Invoke(body)
}

func (n *Node) sendErrorResponse(from string, id int64, kind, message string) {
	env := WireEnvelope{Tag: TagErrorResponse, Payload: &ErrorResponse{
		CorrelationID: id,
		Kind:          kind,
		Message:       message,
	}}
	if err := n.transport.SendTo(from, "", env); err != nil {
		slog.Warn("error response send failed", "node", n.id, "peer", from, "error", err)
	}
}

// handleDecodeFailure reacts to a frame whose routing fields decoded but
// whose body did not. The failure is scoped to the one message: a bad
// request body becomes an error response to the caller, a bad response
// body fails the one pending call, and everything else is dropped with
// a log line. The connection stays up throughout.
func (n *Node) handleDecodeFailure(from string, payload interface{}) {
	switch msg := payload.(type) {
	case *Request:
		n.metrics.RequestsErrored.Add(1)
		n.sendErrorResponse(from, msg.CorrelationID, errKindDecode,
			fmt.Sprintf("request body for %q could not be decoded", msg.Method))
	case *Response:
		n.calls.fail(msg.CorrelationID, fmt.Errorf("%w: response body", ErrDecode))
	case *Publish:
		n.metrics.PublishesDropped.Add(1)
		slog.Warn("publish body decode failed", "node", n.id, "peer", from, "topic", msg.Topic)
	default:
		slog.Warn("undecodable message dropped", "node", n.id, "peer", from)
	}
}
