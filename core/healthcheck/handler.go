// Package healthcheck serves the liveness endpoint. The payload reports
// worker identity and the shared cache's degradation state so operators can
// tell a healthy worker from one running on its in-process mirror.
package healthcheck

import (
	"context"
	"time"

	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
)

// Cluster identifies this process within the worker fleet.
type Cluster struct {
	IsWorker bool   `json:"isWorker"`
	ID       string `json:"id"`
}

// Redis reports the shared cache's state. Connected is whether a client is
// configured at all; Fallback is whether the in-process mirror is serving;
// Healthy is the last probe outcome.
type Redis struct {
	Connected bool `json:"connected"`
	Fallback  bool `json:"fallback"`
	Healthy   bool `json:"healthy"`
}

type payload struct {
	Status  string    `json:"status"`
	Time    time.Time `json:"time"`
	Uptime  string    `json:"uptime"`
	Cluster Cluster   `json:"cluster"`
	Redis   Redis     `json:"redis"`
}

// Handler builds the /status handler. The probe function is called on every
// request; liveness does not depend on its outcome, only the payload does.
func Handler[C handler.Context](cluster Cluster, probe func(context.Context) Redis) handler.HandlerFunc[C] {
	started := time.Now()
	return func(ctx C) handler.Response {
		return response.JSON(payload{
			Status:  "ok",
			Time:    time.Now().UTC(),
			Uptime:  time.Since(started).Round(time.Second).String(),
			Cluster: cluster,
			Redis:   probe(ctx),
		})
	}
}
