package common

import (
	"bytes"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	commonconfig "github.com/armadaproject/flowbench/internal/common/config"
	"github.com/armadaproject/flowbench/internal/common/serve"
)

const EnvPrefix = "FLOWBENCH"

// LoadConfig decodes defaults, a YAML document, into config. Each of userSpecifiedConfigs is then merged on top, in
// order, followed by FLOWBENCH_ prefixed environment variables, e.g. FLOWBENCH_STORE_TYPE for store.type.
func LoadConfig(config interface{}, defaults []byte, userSpecifiedConfigs []string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return errors.Wrap(err, "error reading default config")
	}
	for _, path := range userSpecifiedConfigs {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "error reading config from %s", path)
		}
		log.Infof("Read config from %s", path)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return errors.Wrap(err, "error decoding config")
	}
	return nil
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// SetLogLevel sets the level of the standard logger, e.g. "info" or "debug".
func SetLogLevel(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(l)
	return nil
}

// ServeMetrics exposes g on /metrics on the given port until the returned function is called.
// Port 0 disables serving; the returned function is then a no-op.
func ServeMetrics(port uint16, g prometheus.Gatherer) (shutdown func()) {
	if port == 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	ctx, cancel := benchcontext.WithCancel(benchcontext.Background())
	server := serve.NewServer(port, mux)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Infof("Serving metrics on %s", server.Addr)
		if err := serve.ListenAndServe(ctx, server); err != nil {
			log.WithError(err).Error("metrics server failure")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
