package config

const (
	defaultConfigPath              = "~/.config/dpas/config.toml"
	defaultDataDir                 = "~/.local/share/dpas"
	defaultLogDir                  = "~/.local/share/dpas/logs"
	defaultResultsDir              = "~/.local/share/dpas/results"
	defaultAPIBind                 = "127.0.0.1:8080"
	defaultGatewayMode             = ModeAsync
	defaultMaxUploadMiB            = 32
	defaultReadTimeoutSeconds      = 30
	defaultWriteTimeoutSeconds     = 60
	defaultFeedPollMillis          = 1000
	defaultLeaseSeconds            = 60
	defaultMaxAttempts             = 3
	defaultPollIntervalMS          = 500
	defaultHeartbeatSeconds        = 15
	defaultWorkerCount             = 2
	defaultInferenceTimeoutSeconds = 30
	defaultStoreWriteRetries       = 3
	defaultDetectorBackend         = BackendGoCV
	defaultConfidenceThreshold     = 0.3
	defaultNMSThreshold            = 0.45
	defaultInputSize               = 640
	defaultTrainRatio              = 0.8
	defaultCopyWorkers             = 4
	defaultIngestEndpoint          = "http://127.0.0.1:8080/process"
	defaultIngestStride            = 1
	defaultIngestTimeoutSeconds    = 30
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultLogFile                 = "dpas.log"
)

// Gateway modes.
const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

// Detector backends.
const (
	BackendGoCV = "gocv"
	BackendStub = "stub"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
			ResultsDir: defaultResultsDir,
			APIBind:    defaultAPIBind,
		},
		Gateway: Gateway{
			Mode:                defaultGatewayMode,
			MaxUploadMiB:        defaultMaxUploadMiB,
			ReadTimeoutSeconds:  defaultReadTimeoutSeconds,
			WriteTimeoutSeconds: defaultWriteTimeoutSeconds,
			FeedPollMillis:      defaultFeedPollMillis,
		},
		Queue: Queue{
			LeaseSeconds:     defaultLeaseSeconds,
			MaxAttempts:      defaultMaxAttempts,
			PollIntervalMS:   defaultPollIntervalMS,
			HeartbeatSeconds: defaultHeartbeatSeconds,
		},
		Worker: Worker{
			Count:                   defaultWorkerCount,
			InferenceTimeoutSeconds: defaultInferenceTimeoutSeconds,
			StoreWriteRetries:       defaultStoreWriteRetries,
		},
		Detector: Detector{
			Backend:             defaultDetectorBackend,
			ConfidenceThreshold: defaultConfidenceThreshold,
			NMSThreshold:        defaultNMSThreshold,
			InputSize:           defaultInputSize,
		},
		Dataset: Dataset{
			TrainRatio:  defaultTrainRatio,
			CopyWorkers: defaultCopyWorkers,
		},
		Ingest: Ingest{
			Endpoint:       defaultIngestEndpoint,
			Stride:         defaultIngestStride,
			TimeoutSeconds: defaultIngestTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
			File:   defaultLogFile,
		},
	}
}
