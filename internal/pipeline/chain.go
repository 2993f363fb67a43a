// Package pipeline composes request admission stages and a terminal handler
// into one http.Handler. Stages run at most once, in declared order, and the
// first stage that terminates or faults stops the chain.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/logging"
)

// Stage is one admission step.
type Stage struct {
	Name string
	Run  func(x *Exchange) Result
}

// Handler is the terminal operation of a route. Returning a *Rejection
// writes it like a stage rejection; any other error is a fault.
type Handler func(x *Exchange) error

// FaultReporter receives every unhandled stage or handler error.
type FaultReporter interface {
	ReportFault(x *Exchange, err error)
}

// FaultReporterFunc adapts a function to FaultReporter.
type FaultReporterFunc func(x *Exchange, err error)

// ReportFault calls f.
func (f FaultReporterFunc) ReportFault(x *Exchange, err error) {
	f(x, err)
}

// Options configures Chain.
type Options struct {
	Logger       *zap.Logger
	Reporter     FaultReporter
	MaxBodyBytes int64
	// OnReject observes terminal rejections, labelled by the stage name
	// ("handler" for the terminal handler).
	OnReject func(stage string, r *Rejection)
}

// FaultMessage is the only detail a caller sees for an unhandled fault.
const FaultMessage = "An unexpected error occurred. Please contact support if the issue persists."

// DefaultReporter logs the fault and writes a 500 body if nothing was sent.
func DefaultReporter(logger *zap.Logger) FaultReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return FaultReporterFunc(func(x *Exchange, err error) {
		logger.Error("request fault", zap.String("route", x.Route), zap.Error(err))
		x.RespondError(http.StatusInternalServerError, FaultMessage)
	})
}

type chain struct {
	route   string
	stages  []Stage
	handler Handler
	opts    Options
}

// Chain builds an http.Handler running stages then handler for route.
func Chain(route string, stages []Stage, handler Handler, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reporter == nil {
		opts.Reporter = DefaultReporter(opts.Logger)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &chain{
		route:   route,
		stages:  append([]Stage(nil), stages...),
		handler: handler,
		opts:    opts,
	}
}

func (c *chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := NewExchange(w, r, c.route, logging.FromContext(r.Context(), c.opts.Logger))
	x.maxBody = c.opts.MaxBodyBytes
	for _, stage := range c.stages {
		res := runStage(stage, x)
		switch res.outcome {
		case outcomeContinue:
			continue
		case outcomeTerminate:
			c.reject(stage.Name, x, res.rejection)
			return
		default:
			c.opts.Reporter.ReportFault(x, fmt.Errorf("stage %s: %w", stage.Name, res.err))
			return
		}
	}
	if c.handler == nil {
		return
	}
	if err := runHandler(c.handler, x); err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			c.reject("handler", x, rej)
			return
		}
		c.opts.Reporter.ReportFault(x, err)
	}
}

func (c *chain) reject(stage string, x *Exchange, r *Rejection) {
	if r == nil {
		r = Reject(KindAdmissionRejected, http.StatusInternalServerError, FaultMessage)
	}
	if c.opts.OnReject != nil {
		c.opts.OnReject(stage, r)
	}
	x.RespondError(r.Status, r.Message)
}

func runStage(stage Stage, x *Exchange) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Fault(fmt.Errorf("panic: %v", rec))
		}
	}()
	return stage.Run(x)
}

func runHandler(h Handler, x *Exchange) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(x)
}
