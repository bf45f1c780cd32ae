package config

// GatewayConfig holds all configuration for the mediagate service,
// loaded from config.toml with environment variable overrides.
type GatewayConfig struct {
	Database struct {
		Host            string `toml:"host" env:"MEDIAGATE_DB_HOST"`
		Port            string `toml:"port" env:"MEDIAGATE_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"MEDIAGATE_DB_USER"`
		Password        string `toml:"password" env:"MEDIAGATE_DB_PASSWORD"`
		DB              string `toml:"db" env:"MEDIAGATE_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"MEDIAGATE_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"MEDIAGATE_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"MEDIAGATE_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"MEDIAGATE_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"MEDIAGATE_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"MEDIAGATE_REDIS_HOST"`
		Port     string `toml:"port" env:"MEDIAGATE_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"MEDIAGATE_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"MEDIAGATE_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	KIE struct {
		APIKey string `toml:"api_key" env:"KIE_API_KEY"`
		APIURL string `toml:"api_url" env:"KIE_API_URL" env-default:"https://api.kie.ai"`
	} `toml:"kie"`

	Telegram struct {
		BotToken string `toml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	} `toml:"telegram"`

	Admin struct {
		IDs string `toml:"ids" env:"ADMIN_IDS"`
	} `toml:"admin"`

	Bot struct {
		Mode             string `toml:"mode" env:"BOT_MODE" env-default:"polling"`
		WebhookBaseURL   string `toml:"webhook_base_url" env:"WEBHOOK_BASE_URL"`
		WebhookSecretPath string `toml:"webhook_secret_path" env:"WEBHOOK_SECRET_PATH"`
		WebhookSecretToken string `toml:"webhook_secret_token" env:"WEBHOOK_SECRET_TOKEN"`
	} `toml:"bot"`

	Flags struct {
		DryRun            bool `toml:"dry_run" env:"DRY_RUN"`
		TestMode          bool `toml:"test_mode" env:"TEST_MODE"`
		AllowRealGenerate bool `toml:"allow_real_generation" env:"ALLOW_REAL_GENERATION"`
	} `toml:"flags"`

	Storage struct {
		Mode    string `toml:"mode" env:"STORAGE_MODE" env-default:"postgres"`
		DataDir string `toml:"data_dir" env:"DATA_DIR" env-default:"./data"`
	} `toml:"storage"`

	Pricing struct {
		USDToRUB        float64 `toml:"usd_to_rub" env:"USD_TO_RUB" env-default:"95.0"`
		PriceMultiplier float64 `toml:"price_multiplier" env:"PRICE_MULTIPLIER" env-default:"1.3"`
	} `toml:"pricing"`

	Server struct {
		Port string `toml:"port" env:"PORT" env-default:"8080"`
	} `toml:"server"`
}
