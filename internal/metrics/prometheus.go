package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "esrgan"

// Recorder exports training progress as Prometheus metrics on a private
// registry.
type Recorder struct {
	registry *prometheus.Registry

	steps       prometheus.Counter
	images      prometheus.Counter
	checkpoints prometheus.Counter
	epoch       prometheus.Gauge
	genLoss     prometheus.Gauge
	discLoss    prometheus.Gauge
	stepSeconds *prometheus.HistogramVec
}

// NewRecorder builds and registers every training metric.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "train_steps_total",
			Help: "Optimisation steps completed.",
		}),
		images: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "train_images_total",
			Help: "Training images consumed.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoints_saved_total",
			Help: "Epoch checkpoints written.",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "train_epoch",
			Help: "Epoch currently being trained.",
		}),
		genLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "generator_loss",
			Help: "Most recent generator adversarial loss.",
		}),
		discLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "discriminator_loss",
			Help: "Most recent discriminator loss.",
		}),
		stepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_phase_seconds",
			Help:    "Wall time per training step phase.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
	}
	r.registry.MustRegister(r.steps, r.images, r.checkpoints, r.epoch, r.genLoss, r.discLoss, r.stepSeconds)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveStep records one completed step.
func (r *Recorder) ObserveStep(batchSize int, dataTime, computeTime time.Duration, genLoss, discLoss float64) {
	r.steps.Inc()
	r.images.Add(float64(batchSize))
	r.genLoss.Set(genLoss)
	r.discLoss.Set(discLoss)
	r.stepSeconds.WithLabelValues("data").Observe(dataTime.Seconds())
	r.stepSeconds.WithLabelValues("compute").Observe(computeTime.Seconds())
}

// SetEpoch records the epoch in progress.
func (r *Recorder) SetEpoch(epoch int) { r.epoch.Set(float64(epoch)) }

// CheckpointSaved counts a written epoch checkpoint.
func (r *Recorder) CheckpointSaved() { r.checkpoints.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string, logger logrus.FieldLogger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.WithField("addr", ln.Addr().String()).Info("serving metrics")
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	return nil
}
