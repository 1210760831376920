package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffix/pipeline"
	"github.com/caffix/queue"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/jabberd-go/s2s/xmpp"
)

// packetElement carries one packet through the submission pipeline. Only
// the non-mutating preparation work (namespace rewrite, dialback
// detection) runs here, across however many worker goroutines
// ExecuteBuffered schedules; the actual route/conntable mutation in
// out_packet always runs back on the reactor goroutine (see ready, below),
// preserving spec §5's single-threaded-mutation invariant.
type packetElement struct {
	pkt   *xmpp.Packet
	Error error
}

func (p *packetElement) Clone() pipeline.Data { return &packetElement{pkt: p.pkt} }

// submitQueue is the pipeline.InputSource every submitted packet enters
// through, grounded on registry/pipelines.go's PipelineQueue.
type submitQueue struct {
	queue.Queue
}

func (q *submitQueue) Next(ctx context.Context) bool {
	if q.Queue.Len() > 0 {
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-q.Queue.Signal():
			if q.Queue.Len() > 0 {
				return true
			}
		}
	}
}

func (q *submitQueue) Data() pipeline.Data {
	if element, ok := q.Queue.Next(); ok {
		return element.(*packetElement)
	}
	return nil
}

func (q *submitQueue) Error() error { return nil }

// submitPipeline is the packet-submission front end: a single validation
// stage (namespace rewrite + dialback classification), grounded on
// registry/pipelines.go's buildAssetPipeline/handlerTask/makeSink shape.
// Its sink hands validated packets to the reactor's immediate queue, where
// Engine.OutPacket performs the actual, strictly single-threaded dispatch.
type submitPipeline struct {
	p      *pipeline.Pipeline
	in     *submitQueue
	ready  queue.Queue // holds *packetElement once validated
}

func newSubmitPipeline() *submitPipeline {
	stage := pipeline.FIFO("validate", validateTask())
	return &submitPipeline{
		p:     pipeline.NewPipeline(stage),
		in:    &submitQueue{queue.NewQueue()},
		ready: queue.NewQueue(),
	}
}

// start runs the pipeline in the background until ctx is cancelled.
func (sp *submitPipeline) start(ctx context.Context, onTerminated func(error)) {
	go func() {
		err := sp.p.ExecuteBuffered(ctx, sp.in, sp.sink(), 64)
		if onTerminated != nil {
			onTerminated(err)
		}
	}()
}

// submit enqueues pkt for validation.
func (sp *submitPipeline) submit(pkt *xmpp.Packet) {
	sp.in.Queue.Append(&packetElement{pkt: pkt})
}

// drainReady returns every validated packet currently queued. Intended to
// be called once per reactor tick from the immediate-timeout queue.
func (sp *submitPipeline) drainReady() []*xmpp.Packet {
	var pkts []*xmpp.Packet
	sp.ready.Process(func(data interface{}) {
		if pe, ok := data.(*packetElement); ok && pe.Error == nil {
			pkts = append(pkts, pe.pkt)
		}
	})
	return pkts
}

func (sp *submitPipeline) sink() pipeline.SinkFunc {
	return pipeline.SinkFunc(func(ctx context.Context, data pipeline.Data) error {
		pe, ok := data.(*packetElement)
		if !ok {
			return errors.New("dispatch: pipeline sink received a non-packetElement")
		}
		sp.ready.Append(pe)
		return nil
	})
}

func validateTask() pipeline.TaskFunc {
	return pipeline.TaskFunc(func(ctx context.Context, data pipeline.Data, tp pipeline.TaskParams) (pipeline.Data, error) {
		pe, ok := data.(*packetElement)
		if !ok || pe == nil || pe.pkt == nil {
			return nil, fmt.Errorf("dispatch: validate stage received a malformed element")
		}

		select {
		case <-ctx.Done():
			return data, nil
		default:
		}

		if pe.pkt.From.Domain == "" || pe.pkt.To.Domain == "" {
			pe.Error = multierror.Append(pe.Error, fmt.Errorf("dispatch: packet missing from/to domain"))
			return data, nil
		}

		// Non-dialback stanzas carrying a jabber:client-namespace element
		// have that namespace stripped on their two outer elements so the
		// enclosing jabber:server stream applies (spec §4.3).
		if !pe.pkt.DB && pe.pkt.Doc != nil {
			pe.pkt.Doc.RewriteClientNamespace()
		}

		return data, nil
	})
}
