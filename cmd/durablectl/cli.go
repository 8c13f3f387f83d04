package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/config"
	"github.com/goliatone/go-durable/orchestrator"
	"github.com/goliatone/go-durable/replay"
	"github.com/goliatone/go-durable/scheduler"
	"github.com/goliatone/go-durable/store"
	"github.com/goliatone/go-durable/telemetry"
	"github.com/goliatone/go-durable/worker"
)

// Globals are flags shared by every command.
type Globals struct {
	Config    string `short:"c" type:"path" env:"DURABLE_CONFIG" help:"Path to a YAML or JSON config file."`
	Driver    string `env:"DURABLE_DRIVER" help:"Override the store driver (memory, sqlite, postgres, redis)."`
	DSN       string `name:"dsn" env:"DURABLE_DSN" help:"Override the store DSN."`
	Codec     string `help:"Override the payload codec (json, msgpack)."`
	LogLevel  string `help:"Override the log level."`
	LogFormat string `help:"Override the log format (console, json)."`
}

// CLI is the durablectl command tree.
type CLI struct {
	Globals

	Serve     serveCmd     `cmd:"" help:"Run the orchestrator, dispatcher, worker pool and timers."`
	Start     startCmd     `cmd:"" help:"Start a workflow instance."`
	Status    statusCmd    `cmd:"" help:"Print the status of an instance."`
	History   historyCmd   `cmd:"" help:"Print the event history of an instance."`
	List      listCmd      `cmd:"" help:"List instances."`
	Raise     raiseCmd     `cmd:"" help:"Raise an external event on an instance."`
	Terminate terminateCmd `cmd:"" help:"Terminate a running instance."`
}

// env is bound into every command's Run method.
type env struct {
	ctx     context.Context
	globals *Globals
	out     io.Writer
	logOut  io.Writer
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, out, logOut io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("durablectl"),
		kong.Description("Operate durable workflow instances."),
		kong.Writers(out, logOut),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&env{ctx: ctx, globals: &cli.Globals, out: out, logOut: logOut})
}

func (g *Globals) load() (config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		loaded, err := config.Load(g.Config)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if g.Driver != "" {
		cfg.Store.Driver = strings.ToLower(g.Driver)
	}
	if g.DSN != "" {
		cfg.Store.DSN = g.DSN
	}
	if g.Codec != "" {
		cfg.Codec = strings.ToLower(g.Codec)
	}
	if g.LogLevel != "" {
		cfg.Log.Level = strings.ToLower(g.LogLevel)
	}
	if g.LogFormat != "" {
		cfg.Log.Format = strings.ToLower(g.LogFormat)
	}
	return cfg, cfg.Validate()
}

// session is an opened store plus the runtime built over it.
type session struct {
	cfg     config.Config
	logger  durable.Logger
	runtime *orchestrator.Runtime
	close   func() error
}

func (e *env) open() (*session, error) {
	cfg, err := e.globals.load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(e.logOut, cfg.Log.Level, cfg.Log.Format)

	st, closeStore, err := config.OpenStore(e.ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	opts, err := cfg.RuntimeOptions(logger)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	metrics, err := telemetry.Global()
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	opts.Orchestrator = append(opts.Orchestrator,
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(telemetry.Tracer()),
	)
	opts.Dispatcher = append(opts.Dispatcher, scheduler.WithMetrics(metrics))

	workflows := replay.NewRegistry()
	codec, _ := durable.CodecFor(cfg.Codec)
	activities := worker.NewRegistry(codec)
	registerBuiltins(workflows, activities)

	return &session{
		cfg:     cfg,
		logger:  logger,
		runtime: orchestrator.NewRuntime(st, workflows, activities, opts),
		close:   closeStore,
	}, nil
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodeJSON parses an optional JSON flag value.
func decodeJSON(flag, raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("--%s is not valid JSON: %w", flag, err)
	}
	return v, nil
}

type serveCmd struct{}

func (c *serveCmd) Run(e *env) error {
	s, err := e.open()
	if err != nil {
		return err
	}
	defer s.close()
	s.logger.Info("serving with %s store and %s codec", s.cfg.Store.Driver, s.cfg.Codec)
	return s.runtime.Run(e.ctx)
}

type startCmd struct {
	Workflow string        `arg:"" help:"Registered workflow name."`
	Input    string        `help:"JSON encoded workflow input."`
	ID       string        `name:"id" help:"Instance id. Generated when empty."`
	Wait     bool          `help:"Run an in-process runtime until the instance finishes."`
	Timeout  time.Duration `default:"1m" help:"How long --wait polls before giving up."`
	BaseURL  string        `name:"base-url" default:"/runtime/webhooks/durable" help:"Prefix of the returned management URIs."`
}

func (c *startCmd) Run(e *env) error {
	input, err := decodeJSON("input", c.Input)
	if err != nil {
		return err
	}
	s, err := e.open()
	if err != nil {
		return err
	}
	defer s.close()
	o := s.runtime.Orchestrator

	if !c.Wait {
		inst, err := o.Start(e.ctx, orchestrator.StartRequest{InstanceID: c.ID, Name: c.Workflow, Input: input})
		if err != nil {
			return err
		}
		if s.cfg.Store.Driver == config.DriverMemory {
			s.logger.Warn("memory store: instance %s is lost when this process exits; use --wait", inst.ID)
		}
		return e.print(orchestrator.CheckStatusLinks(c.BaseURL, inst.ID))
	}

	ctx, cancel := context.WithTimeout(e.ctx, c.Timeout)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.runtime.Run(runCtx) }()
	defer func() {
		stop()
		if err := <-done; err != nil {
			s.logger.Warn("runtime stopped: %v", err)
		}
	}()

	inst, err := o.Start(ctx, orchestrator.StartRequest{InstanceID: c.ID, Name: c.Workflow, Input: input})
	if err != nil {
		return err
	}
	st, err := waitDone(ctx, o, inst.ID)
	if err != nil {
		return err
	}
	return e.print(st)
}

// waitDone polls the status of id until it is terminal.
func waitDone(ctx context.Context, o *orchestrator.Orchestrator, id string) (*orchestrator.StatusResponse, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := o.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Done() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("instance %s still %s: %w", id, st.RuntimeStatus, ctx.Err())
		case <-ticker.C:
		}
	}
}

type statusCmd struct {
	Instance string `arg:"" help:"Instance id."`
}

func (c *statusCmd) Run(e *env) error {
	s, err := e.open()
	if err != nil {
		return err
	}
	defer s.close()
	st, err := s.runtime.Orchestrator.Status(e.ctx, c.Instance)
	if err != nil {
		return err
	}
	return e.print(st)
}

type historyCmd struct {
	Instance   string `arg:"" help:"Instance id."`
	Generation int    `default:"-1" help:"Continue-as-new generation to read. Defaults to the current one."`
}

func (c *historyCmd) Run(e *env) error {
	s, err := e.open()
	if err != nil {
		return err
	}
	defer s.close()
	o := s.runtime.Orchestrator

	var events []durable.Event
	if c.Generation < 0 {
		events, err = o.History(e.ctx, c.Instance)
	} else {
		events, err = o.HistoryGeneration(e.ctx, c.Instance, c.Generation)
	}
	if err != nil {
		return err
	}
	return e.print(events)
}

type listCmd struct {
	Status []string `help:"Filter by runtime status (repeatable)."`
	Name   string   `help:"Filter by workflow name."`
	Parent string   `help:"Filter by parent instance id."`
	Limit  int      `default:"100" help:"Maximum number of instances."`
}

type listEntry struct {
	InstanceID    string         `json:"instanceId"`
	Name          string         `json:"name"`
	RuntimeStatus durable.Status `json:"runtimeStatus"`
	Generation    int            `json:"generation"`
	CreatedTime   time.Time      `json:"createdTime"`
	UpdatedTime   time.Time      `json:"lastUpdatedTime"`
}

func (c *listCmd) Run(e *env) error {
	filter := store.Filter{Name: c.Name, ParentInstanceID: c.Parent, Limit: c.Limit}
	for _, raw := range c.Status {
		status, err := durable.ParseStatus(raw)
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	s, err := e.open()
	if err != nil {
		return err
	}
	defer s.close()
	list, err := s.runtime.Orchestrator.List(e.ctx, filter)
	if err != nil {
		return err
	}
	out := make([]listEntry, 0, len(list))
	for _, inst := range list {
		out = append(out, listEntry{
			InstanceID:    inst.ID,
			Name:          inst.Name,
			RuntimeStatus: inst.Status,
			Generation:    inst.Generation,
			CreatedTime:   inst.CreatedAt,
			UpdatedTime:   inst.UpdatedAt,
		})
	}
	return e.print(out)
}

type raiseCmd struct {
	Instance string `arg:"" help:"Instance id."`
	Event    string `arg:"" help:"Event name."`
	Payload  string `help:"JSON encoded event payload."`
}

func (c *raiseCmd) Run(e *env) error {
	payload, err := decodeJSON("payload", c.Payload)
	if err != nil {
		return err
	}
	s, err := e.open()
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.runtime.Orchestrator.RaiseEvent(e.ctx, c.Instance, c.Event, payload); err != nil {
		return err
	}
	s.logger.Info("event %s raised on %s", c.Event, c.Instance)
	return nil
}

type terminateCmd struct {
	Instance string `arg:"" help:"Instance id."`
	Reason   string `default:"terminated by operator" help:"Reason recorded on the instance."`
}

func (c *terminateCmd) Run(e *env) error {
	s, err := e.open()
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.runtime.Orchestrator.Terminate(e.ctx, c.Instance, c.Reason); err != nil {
		return err
	}
	s.logger.Info("instance %s terminated", c.Instance)
	return nil
}
