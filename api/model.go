package api

type Config struct {
	APIHost  string `mapstructure:"ApiHost"`
	NodeID   int    `mapstructure:"NodeID"`
	Key      string `mapstructure:"ApiKey"`
	Timeout  int    `mapstructure:"Timeout"`
	Interval int    `mapstructure:"Interval"`
}

// SessionTraffic is the account of one finished tunnel.
type SessionTraffic struct {
	Session  string
	Client   string
	Target   string
	Upload   int64
	Download int64
	Duration float64 // seconds
	Result   string
}

type Traffic struct {
	Session  string  `json:"session"`
	Client   string  `json:"client"`
	Target   string  `json:"target"`
	Upload   int64   `json:"upload"`
	Download int64   `json:"download"`
	Duration float64 `json:"duration"`
	Result   string  `json:"result"`
}

type PostData struct {
	Key  string `json:"key"`
	Data any    `json:"data"`
}
