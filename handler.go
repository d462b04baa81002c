package tainin

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/protocol"
	"github.com/raskyld/tainin/pkg/routing"
	"github.com/raskyld/tainin/pkg/telemetry"
)

// HandlerFunc answers a request routed to a named handler of a node. The
// payload sections of the returned MultiFrame are sent back to the caller,
// a nil MultiFrame sends back an empty reply.
//
// When the handler fails, or the request carries no response identifier,
// nothing is sent back.
type HandlerFunc func(ctx context.Context, req *frame.MultiFrame) (*frame.MultiFrame, error)

// handler is a Router serving a HandlerFunc. Replies are routed through
// replies, the routing table of the node, along the return path of the
// request.
type handler struct {
	name    string
	fn      HandlerFunc
	replies routing.Router
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
}

func (h *handler) RouteFrame(ctx context.Context, req *frame.MultiFrame, _ *routing.EndpointTableEntry) error {
	// served aside so a slow handler does not hold up the endpoint.
	go h.serve(ctx, req)
	return nil
}

func (h *handler) serve(ctx context.Context, req *frame.MultiFrame) {
	resp, err := h.fn(ctx, req)
	if err != nil {
		h.logger.Warn("handler failed", telemetry.LabelError.L(err))
		h.msink.IncrCounterWithLabels(telemetry.MetricRouteErrorCount, 1.0, h.labels)
		return
	}

	if _, wantsReply := protocol.ResponseID(req); !wantsReply {
		return
	}
	reply, ok := protocol.NewReply(req)
	if !ok {
		h.logger.Debug("request has no return path, dropping reply")
		return
	}
	if resp != nil {
		for key, section := range resp.All() {
			if key >= 0 {
				reply.Set(key, section)
			}
		}
	}

	if err := h.replies.RouteFrame(ctx, reply, nil); err != nil {
		h.logger.Warn("failed to route reply", telemetry.LabelError.L(err))
		h.msink.IncrCounterWithLabels(telemetry.MetricRouteErrorCount, 1.0, h.labels)
	}
}
