package destclient

import (
	"context"
	"os"
	"time"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/dcmnet"
)

// DICOMPeerClient C-STOREs each file over a DICOM association, spec
// §4.D "DICOM peer: establishes association, C-STOREs each file,
// returns count of successes."
type DICOMPeerClient struct {
	spec core.DICOMPeerSpec
}

func NewDICOMPeerClient(spec core.DICOMPeerSpec) *DICOMPeerClient {
	return &DICOMPeerClient{spec: spec}
}

func (c *DICOMPeerClient) scuConfig() dcmnet.SCUConfig {
	return dcmnet.SCUConfig{
		CallingAE:  c.spec.CallingAE,
		PeerAE:     c.spec.PeerAE,
		Host:       c.spec.Host,
		Port:       c.spec.Port,
		TLS:        c.spec.TLS,
		PKCS12Path: c.spec.PKCS12Path,
		PKCS12Pass: c.spec.PKCS12Pass,
		Timeout:    30 * time.Second,
	}
}

func (c *DICOMPeerClient) Probe(ctx context.Context) bool {
	scu, err := dcmnet.NewSCU(c.scuConfig())
	if err != nil {
		return false
	}
	defer scu.Close()
	return scu.Echo(ctx) == nil
}

func (c *DICOMPeerClient) Send(ctx context.Context, params SendParams, files []string) (core.SendResult, error) {
	start := time.Now()
	scu, err := dcmnet.NewSCU(c.scuConfig())
	if err != nil {
		return core.SendResult{}, &core.DestinationUnavailable{Destination: c.spec.PeerAE, Cause: err}
	}
	defer scu.Close()

	successes := 0
	var lastErr error
	for _, path := range files {
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			lastErr = rerr
			continue
		}
		if serr := scu.Store(ctx, data); serr != nil {
			lastErr = serr
			continue
		}
		successes++
	}
	dur := time.Since(start)
	if successes == len(files) {
		return core.SendResult{Success: true, FilesTransferred: successes, Duration: dur, Message: "c-store complete"}, nil
	}
	msg := "partial c-store failure"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return core.SendResult{Success: false, FilesTransferred: successes, Duration: dur, Message: msg, Retryable: true}, nil
}

func (c *DICOMPeerClient) Close() error { return nil }
