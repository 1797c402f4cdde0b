// To report to a panel, one needs to implement the interface below.

package api

type API interface {
	ReportTraffic(sessionTraffic *[]SessionTraffic) (err error)
	Describe() ClientInfo
	Debug()
}
