package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/replay"
	"github.com/goliatone/go-durable/worker"
)

var defaultCities = []string{"Tokyo", "Seattle", "London"}

// registerBuiltins installs the sample workflows served by durablectl.
func registerBuiltins(workflows *replay.Registry, activities *worker.Registry) {
	workflows.MustRegister("chaining", chainingWorkflow)
	workflows.MustRegister("fanout", fanOutWorkflow)
	workflows.MustRegister("monitor", monitorWorkflow)
	workflows.MustRegister("approval", approvalWorkflow)

	worker.MustRegister(activities, "say_hello", func(_ context.Context, city string) (string, error) {
		if strings.TrimSpace(city) == "" {
			return "", fmt.Errorf("city required")
		}
		return "Hello " + city, nil
	})
	worker.MustRegister(activities, "square", func(_ context.Context, n int) (int, error) {
		return n * n, nil
	})
	worker.MustRegister(activities, "health_check", func(_ context.Context, target string) (string, error) {
		return target + ": healthy", nil
	})
}

func chainingWorkflow(ctx *replay.Context) (any, error) {
	var cities []string
	if err := ctx.Input(&cities); err != nil {
		return nil, err
	}
	if len(cities) == 0 {
		cities = defaultCities
	}
	out := make([]string, 0, len(cities))
	for _, city := range cities {
		var greeting string
		if err := ctx.CallActivity("say_hello", city).Await(&greeting); err != nil {
			return nil, err
		}
		out = append(out, greeting)
	}
	return out, nil
}

func fanOutWorkflow(ctx *replay.Context) (any, error) {
	var n int
	if err := ctx.Input(&n); err != nil {
		return nil, err
	}
	retry := replay.WithRetryPolicy(durable.RetryPolicy{
		MaxAttempts:        3,
		FirstRetryInterval: time.Second,
		BackoffCoefficient: 2,
	})
	tasks := make([]*replay.Task, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, ctx.CallActivity("square", i, retry))
	}
	if err := ctx.WaitAll(tasks...); err != nil {
		return nil, err
	}
	sum := 0
	for _, task := range tasks {
		var v int
		if err := task.Await(&v); err != nil {
			return nil, err
		}
		sum += v
	}
	return sum, nil
}

// monitorInput is carried across continue-as-new generations.
type monitorInput struct {
	Target   string   `json:"target" msgpack:"target"`
	Checks   int      `json:"checks" msgpack:"checks"`
	Interval string   `json:"interval,omitempty" msgpack:"interval,omitempty"`
	Results  []string `json:"results,omitempty" msgpack:"results,omitempty"`
}

// monitorWorkflow checks a target once per generation, sleeping on a
// durable timer between checks, until Checks reaches zero.
func monitorWorkflow(ctx *replay.Context) (any, error) {
	var in monitorInput
	if err := ctx.Input(&in); err != nil {
		return nil, err
	}
	if in.Checks <= 0 {
		return in.Results, nil
	}
	interval := time.Second
	if in.Interval != "" {
		d, err := time.ParseDuration(in.Interval)
		if err != nil {
			return nil, fmt.Errorf("monitor interval: %w", err)
		}
		interval = d
	}

	var result string
	if err := ctx.CallActivity("health_check", in.Target).Await(&result); err != nil {
		return nil, err
	}
	in.Results = append(in.Results, result)
	in.Checks--
	if err := ctx.SetCustomStatus(map[string]any{"remaining": in.Checks, "last": result}); err != nil {
		return nil, err
	}
	if in.Checks == 0 {
		return in.Results, nil
	}
	if err := ctx.CreateTimer(interval).Await(nil); err != nil {
		return nil, err
	}
	return nil, ctx.ContinueAsNew(in)
}

// approvalInput configures how long approvalWorkflow waits.
type approvalInput struct {
	Timeout string `json:"timeout,omitempty" msgpack:"timeout,omitempty"`
}

func approvalWorkflow(ctx *replay.Context) (any, error) {
	var in approvalInput
	if err := ctx.Input(&in); err != nil {
		return nil, err
	}
	timeout := 24 * time.Hour
	if in.Timeout != "" {
		d, err := time.ParseDuration(in.Timeout)
		if err != nil {
			return nil, fmt.Errorf("approval timeout: %w", err)
		}
		timeout = d
	}

	approved := ctx.WaitForEvent("approval")
	expired := ctx.CreateTimer(timeout)
	winner, err := ctx.WaitAny(approved, expired)
	if err != nil {
		return nil, err
	}
	if winner == expired {
		return "expired", nil
	}
	var who string
	if err := approved.Await(&who); err != nil {
		return nil, err
	}
	return "approved by " + who, nil
}
