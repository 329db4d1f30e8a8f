// Command mppipelinedemo wires up a small multi-stage pipeline and feeds
// it a handful of work items, in the style of the teacher's
// linksrus/pagerank main.go: a logrus-backed logger, a urfave/cli flag
// set, and an optional prometheus /metrics endpoint.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/atbu-go/mppipeline/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var (
	appName = "mppipelinedemo"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:   "max-simultaneous",
			Value:  4,
			EnvVar: "MAX_SIMULTANEOUS",
			Usage:  "Sizes each subprocess pool to this + 2; does not limit admitted items",
		},
		cli.StringFlag{
			Name:   "pipeline-name",
			Value:  "demo",
			EnvVar: "PIPELINE_NAME",
			Usage:  "Name used to label logs and metrics for this pipeline instance",
		},
		cli.StringFlag{
			Name:   "metrics-addr",
			Value:  "",
			EnvVar: "METRICS_ADDR",
			Usage:  "If set, serve Prometheus metrics at http://<addr>/metrics",
		},
		cli.IntFlag{
			Name:   "items",
			Value:  5,
			EnvVar: "NUM_ITEMS",
			Usage:  "Number of demo work items to submit",
		},
	}
	app.Action = runDemo
	return app
}

func runDemo(cliCtx *cli.Context) error {
	maxSimultaneous := cliCtx.Int("max-simultaneous")
	name := cliCtx.String("pipeline-name")
	metricsAddr := cliCtx.String("metrics-addr")
	numItems := cliCtx.Int("items")

	opts := []pipeline.Option{
		pipeline.WithMaxSimultaneous(maxSimultaneous),
		pipeline.WithLogger(logger.WithField("pipeline", name)),
	}

	if metricsAddr != "" {
		opts = append(opts, pipeline.WithMetrics(prometheus.DefaultRegisterer))
		go serveMetrics(metricsAddr)
	}

	p := pipeline.New(name, demoStages(), opts...)
	p.Start()

	ctx := context.Background()
	handles := make([]*pipeline.Handle, 0, numItems)
	for i := 0; i < numItems; i++ {
		item := pipeline.NewWorkItem(fmt.Sprintf("item-%d", i), nil)
		h, err := p.Submit(item)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	for i, h := range handles {
		if err := h.Wait(ctx); err != nil {
			return err
		}
		result, err := h.Result()
		if err != nil {
			logger.WithError(err).WithField("item", i).Warn("item failed")
			continue
		}
		logger.WithFields(logrus.Fields{
			"item":    i,
			"payload": result.Payload,
		}).Info("item completed")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"graceful":  p.WasGracefulShutdown(),
		"anomalies": len(p.Anomalies()),
	}).Info("pipeline shut down")
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.WithField("addr", addr).Info("serving prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("metrics server exited")
	}
}

// demoStages builds a small three-stage pipeline: an uppercase transform
// on the thread pool, followed by a paired subprocess writer and reader
// that carry the payload across the byte channel.
func demoStages() []*pipeline.Stage {
	upper := pipeline.NewStage(
		"uppercase",
		func(*pipeline.WorkItem) (bool, error) { return true, nil },
		func(_ context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
			item.Payload = strings.ToUpper(item.Payload.(string))
			return item, nil
		},
		pipeline.Thread, false, nil,
	)

	writer := pipeline.NewStage(
		"stream-out",
		func(*pipeline.WorkItem) (bool, error) { return true, nil },
		func(_ context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
			producer := item.PairedEndpoint.(*pipeline.Producer)
			return item, producer.WriteEOF([]byte(item.Payload.(string)))
		},
		pipeline.Subprocess, true, nil,
	)

	reader := pipeline.NewStage(
		"stream-in",
		func(*pipeline.WorkItem) (bool, error) { return true, nil },
		func(_ context.Context, item *pipeline.WorkItem, _ map[string]interface{}) (*pipeline.WorkItem, error) {
			consumer := item.PairedEndpoint.(*pipeline.Consumer)
			var buf bytes.Buffer
			for {
				b, err := consumer.Read()
				if err != nil {
					return nil, err
				}
				if len(b) == 0 {
					break
				}
				buf.Write(b)
			}
			item.Payload = buf.String()
			return item, nil
		},
		pipeline.Subprocess, false, nil,
	)

	return []*pipeline.Stage{upper, writer, reader}
}
