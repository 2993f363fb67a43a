package pipeline

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Route is one row of the route table.
type Route struct {
	Method  string
	Pattern string
	Stages  []Stage
	Handler Handler
	// Stream marks a websocket route. It may share Method and Pattern with a
	// plain route; upgrade requests are sent to the stream route.
	Stream bool
}

// Mount registers every route on r.
func Mount(r chi.Router, routes []Route, opts Options) {
	type key struct{ method, pattern string }
	plain := make(map[key]http.Handler)
	stream := make(map[key]http.Handler)
	var order []key
	for _, rt := range routes {
		k := key{rt.Method, rt.Pattern}
		if _, seen := plain[k]; !seen {
			if _, seen := stream[k]; !seen {
				order = append(order, k)
			}
		}
		h := Chain(rt.Method+" "+rt.Pattern, rt.Stages, rt.Handler, opts)
		if rt.Stream {
			stream[k] = h
		} else {
			plain[k] = h
		}
	}
	for _, k := range order {
		p, s := plain[k], stream[k]
		switch {
		case s == nil:
			r.Method(k.method, k.pattern, p)
		case p == nil:
			r.Method(k.method, k.pattern, s)
		default:
			r.Method(k.method, k.pattern, upgradeSwitch(s, p))
		}
	}
}

func upgradeSwitch(stream, plain http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			stream.ServeHTTP(w, r)
			return
		}
		plain.ServeHTTP(w, r)
	})
}
