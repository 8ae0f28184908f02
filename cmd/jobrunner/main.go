package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opst/jobrunner/cmd/jobrunner/handlers"
	"github.com/opst/jobrunner/pkg/cluster"
	"github.com/opst/jobrunner/pkg/configs/runner"
	"github.com/opst/jobrunner/pkg/entrypoints"
	"github.com/opst/jobrunner/pkg/hook"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/metrics"
	"github.com/opst/jobrunner/pkg/orchestrator"
	"github.com/opst/jobrunner/pkg/store/memory"
	"github.com/opst/jobrunner/pkg/store/postgres"
	"github.com/opst/jobrunner/pkg/utils/args"
	"github.com/opst/jobrunner/pkg/utils/echoutil"
	"github.com/opst/jobrunner/pkg/utils/filewatch"
	"github.com/opst/jobrunner/pkg/utils/kubeutil"
	"github.com/opst/jobrunner/pkg/utils/try"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	logger := log.Default()
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	pconfig := flag.String(
		"config", os.Getenv("JOBRUNNER_CONFIG"), "path to config file",
	)
	loglevel := args.Parser(asLogLevel, logLevel("info"))
	flag.Var(loglevel, "loglevel", "log level of http server. debug|info|warn|error|off (default info)")
	psubdomain := flag.Bool("subdomain", false, "route entry points of interactive jobs by subdomain")
	flag.Parse()

	if *pconfig == "" {
		logger.Fatal("config file is not given. use -config or JOBRUNNER_CONFIG")
	}

	{
		// restart when config is modified
		wctx, cancel, err := filewatch.UntilModifyContext(ctx, *pconfig)
		if err != nil {
			logger.Fatal(err)
		}
		defer cancel()
		ctx = wctx
	}

	conf := try.To(runner.Load(*pconfig)).OrFatal(logger)
	client := cluster.WrapK8sClient(
		try.To(kubeutil.ConnectToK8s(conf.Cluster().Kubeconfig())).OrFatal(logger),
	)

	store, pingers, closeStore := openStore(ctx, logger, conf)
	defer closeStore()

	epOptions := []entrypoints.Option{}
	if *psubdomain {
		epOptions = append(epOptions, entrypoints.WithSubdomain())
	}
	eps := entrypoints.New(conf.InteractiveTools().PathPrefix(), epOptions...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch := orchestrator.New(
		logger, conf, client, store, eps,
		orchestrator.WithHooks(hook.Build[orchestrator.Event](conf.Hooks())),
		orchestrator.WithMetrics(metrics.New(reg)),
	)

	n, err := orch.Recover(ctx)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Printf("%d jobs are recovered", n)

	e := echo.New()
	e.HideBanner = true
	echoutil.SetLevel(e, loglevel.Value().String())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		e.Logger.Error(err)
	}
	e.Use(middleware.Recover())
	e.Use(echoutil.LogHandlerFunc)
	handlers.Route(e, orch, reg, pingers...)

	logger.Println("registered routes:")
	for _, r := range e.Routes() {
		logger.Println(r.Method, r.Path)
	}

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", conf.Port())); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server stopped: %+v", err)
			cancel()
		}
	}()
	defer func() {
		graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			logger.Printf("error on shutdown: %s", err)
		}
	}()

	logger.Printf(
		"start runner: namespace %s, %d workers, interval %s",
		conf.Cluster().Namespace(), conf.Workers(), conf.Monitor().Interval(),
	)
	if err := orch.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Println(err)
		return
	}
	logger.Println("runner is stopped by:", context.Cause(ctx))
}

type logLevel string

func (l logLevel) String() string {
	return string(l)
}

func asLogLevel(s string) (logLevel, error) {
	if _, ok := echoutil.ParseLevel(s); !ok {
		return "", fmt.Errorf("unknown log level: %s", s)
	}
	return logLevel(s), nil
}

// openStore opens the job store.
//
// When no database is configured, jobs are stored in memory.
func openStore(ctx context.Context, logger *log.Logger, conf *runner.RunnerConfig) (jobs.JobStore, []handlers.Pinger, func()) {
	if conf.Database() == "" {
		logger.Println("no database is configured. jobs are stored in memory.")
		return memory.New(memory.WithWorkspaceCleaner(jobs.RemoveWorkingDirectory)), nil, func() {}
	}
	pg := try.To(postgres.Connect(
		ctx, conf.Database(), postgres.WithWorkspaceCleaner(jobs.RemoveWorkingDirectory),
	)).OrFatal(logger)
	return pg, []handlers.Pinger{pg}, pg.Close
}
