package stowage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransferMetrics instruments uploads and downloads. All methods are
// safe on a nil receiver so instrumentation stays optional.
type TransferMetrics struct {
	UploadsTotal    prometheus.Counter
	UploadErrors    prometheus.Counter
	UploadedBytes   prometheus.Counter
	UploadLatency   prometheus.Histogram
	DedupSkips      prometheus.Counter
	DownloadsTotal  prometheus.Counter
	DownloadErrors  prometheus.Counter
	DownloadedBytes prometheus.Counter
	DownloadLatency prometheus.Histogram
	URLRefreshes    prometheus.Counter
}

func (m *TransferMetrics) incCounter(c prometheus.Counter) {
	if m == nil || c == nil {
		return
	}
	c.Inc()
}

func (m *TransferMetrics) addCounter(c prometheus.Counter, v float64) {
	if m == nil || c == nil || v == 0 {
		return
	}
	c.Add(v)
}

func (m *TransferMetrics) observeHistogram(h prometheus.Histogram, v float64) {
	if m == nil || h == nil {
		return
	}
	h.Observe(v)
}

func (m *TransferMetrics) ObserveUpload(bytes int64, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.UploadsTotal)
	m.observeHistogram(m.UploadLatency, d.Seconds())
	if err != nil {
		m.incCounter(m.UploadErrors)
		return
	}
	m.addCounter(m.UploadedBytes, float64(bytes))
}

func (m *TransferMetrics) ObserveDedup() {
	if m == nil {
		return
	}
	m.incCounter(m.DedupSkips)
}

func (m *TransferMetrics) ObserveDownload(bytes int64, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.DownloadsTotal)
	m.observeHistogram(m.DownloadLatency, d.Seconds())
	if err != nil {
		m.incCounter(m.DownloadErrors)
		return
	}
	m.addCounter(m.DownloadedBytes, float64(bytes))
}

func (m *TransferMetrics) ObserveURLRefresh() {
	if m == nil {
		return
	}
	m.incCounter(m.URLRefreshes)
}
