package config

import "github.com/kelseyhightower/envconfig"

// VendorConfig holds endpoints and credentials for the superagent APIs.
type VendorConfig struct {
	BuypowerBaseURL  string `envconfig:"BUYPOWER_BASE_URL" default:"https://api.buypower.ng"`
	BuypowerToken    string `envconfig:"BUYPOWER_TOKEN"`
	IrechargeBaseURL string `envconfig:"IRECHARGE_BASE_URL" default:"https://irecharge.com.ng/pwr_api_live"`
	IrechargeVendID  string `envconfig:"IRECHARGE_VENDOR_ID"`
	IrechargePubKey  string `envconfig:"IRECHARGE_PUBLIC_KEY"`
	IrechargePrivKey string `envconfig:"IRECHARGE_PRIVATE_KEY"`
	BaxiBaseURL      string `envconfig:"BAXI_BASE_URL" default:"https://payments.baxipay.com.ng/api/baxipay"`
	BaxiAPIKey       string `envconfig:"BAXI_API_KEY"`
}

type APIConfig struct {
	DBDSN      string `envconfig:"DB_DSN" required:"true"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	VendQueueURL       string `envconfig:"VEND_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Redis (vendor session tokens / disco status)
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	Vendor VendorConfig
}

type OrchestratorConfig struct {
	DBDSN      string `envconfig:"DB_DSN" required:"true"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"20"`

	Port        string `envconfig:"PORT" default:"8081"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9091"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// AWS / SQS
	AWSRegion            string `envconfig:"AWS_REGION" required:"true"`
	VendQueueURL         string `envconfig:"VEND_QUEUE_URL" required:"true"`
	NotificationQueueURL string `envconfig:"NOTIFICATION_QUEUE_URL" required:"true"`
	LocalstackEndpoint   string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime          int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs           int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout        int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// Redis
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	// Retry policy. Backoff tables are seconds, clamped at the last entry
	// for higher counts; the values are empirically tuned per vendor and
	// deliberately live in config, not code.
	MaxRequeryPerVendor     int    `envconfig:"MAX_REQUERY_PER_VENDOR" default:"5"`
	RetryBeforeSwitch       int    `envconfig:"RETRY_BEFORE_SWITCH" default:"4"`
	StaleCeiling            string `envconfig:"STALE_CEILING" default:"2h"`
	RequeryBackoff          []int  `envconfig:"REQUERY_BACKOFF" default:"1,10,10"`
	SwitchBackoff           []int  `envconfig:"SWITCH_BACKOFF" default:"5,10"`
	IrechargeMinRequeryWait int    `envconfig:"IRECHARGE_MIN_REQUERY_WAIT" default:"30"`

	// Per-vendor protection around purchase/requery calls.
	VendorRPS   float64 `envconfig:"VENDOR_RPS" default:"10"`
	VendorBurst int     `envconfig:"VENDOR_BURST" default:"20"`

	Vendor VendorConfig
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadOrchestrator() OrchestratorConfig {
	var cfg OrchestratorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
