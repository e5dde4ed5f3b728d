// Package dcmnet is a narrow seam over github.com/grailbio/go-dicom's
// netdicom association/DIMSE layer, grounded on
// other_examples/giesekow-go-netdicom (which pairs exactly this
// combination: a netdicom state machine alongside
// suyashkumar/dicom-shaped datasets). The rest of the tree depends on
// this package's small interfaces, never on netdicom's PDU/DIMSE wire
// types directly, spec §9 "Cyclic references are absent ... lifetimes
// are tree-shaped".
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dcmnet

import (
	"context"
	"crypto/tls"
	"os"
	"time"

	"github.com/grailbio/go-dicom/netdicom"
	"golang.org/x/crypto/pkcs12"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

// StoreMeta identifies the C-STORE-RQ a fragment belongs to; delivered
// with every fragment so a handler never has to wait for a separate
// "begin" notification.
type StoreMeta struct {
	CallingAE      string
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
}

// FragmentHandler is invoked once per P-DATA-TF data-set fragment as
// it arrives off the wire, in order, `last` true on the fragment that
// completes the instance (spec §4.G step 2: "stream the DIMSE
// data-stream directly to disk -- never buffer the whole instance in
// memory"). `fragment` is only valid for the duration of the call; a
// handler that needs to retain bytes past return must copy them.
// Returning a non-nil error yields an out-of-resource DIMSE status
// (spec §6 "0xA7xx") and the caller does not ack success.
type FragmentHandler func(ctx context.Context, meta StoreMeta, fragment []byte, last bool) error

// SCPConfig configures one route's listening association, spec §4.G.
type SCPConfig struct {
	AETitle       string
	Port          int
	WorkerThreads int
}

// SCP is a C-STORE/C-ECHO service class provider bound to one route's
// AE title and port.
type SCP struct {
	cfg     SCPConfig
	handler FragmentHandler
	sp      *netdicom.ServiceProvider
}

// NewSCP starts listening immediately; Shutdown stops the listener, and
// in-flight associations are aborted rather than drained.
//
// netdicom delivers each C-STORE's data set as a sequence of
// P-DATA-TF fragments bounded by DefaultMaxPDUSize (grounded on
// other_examples/giesekow-go-netdicom's networkReaderThread/PDataTf
// handling) rather than reassembling the whole instance before
// calling out -- OnCStoreFragment is invoked once per fragment so the
// caller can stream straight to disk.
func NewSCP(cfg SCPConfig, handler FragmentHandler) (*SCP, error) {
	s := &SCP{cfg: cfg, handler: handler}
	params := netdicom.ServiceProviderParams{
		AETitle: cfg.AETitle,
		OnCStoreFragment: func(fragment []byte, last bool, sopClassUID, sopInstanceUID, transferSyntaxUID, callingAETitle string) uint16 {
			meta := StoreMeta{
				CallingAE:      callingAETitle,
				SOPClassUID:    sopClassUID,
				SOPInstanceUID: sopInstanceUID,
				TransferSyntax: transferSyntaxUID,
			}
			if err := handler(context.Background(), meta, fragment, last); err != nil {
				return 0xA700 // out of resource, spec §6
			}
			return 0x0000
		},
	}
	sp, err := netdicom.NewServiceProvider(params, portAddr(cfg.Port))
	if err != nil {
		return nil, core.Wrapf(err, "dcmnet: start scp on port %d", cfg.Port)
	}
	s.sp = sp
	go sp.Run()
	return s, nil
}

func portAddr(port int) string {
	return ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Shutdown closes the listener; in-flight associations are aborted by
// the underlying netdicom provider's own teardown.
func (s *SCP) Shutdown(ctx context.Context) error {
	if s.sp == nil {
		return nil
	}
	return s.sp.Shutdown()
}

// SCU is the requestor side used by the DICOM-peer destination client:
// C-STORE a set of instances and C-ECHO for reachability probing.
type SCU struct {
	cfg    SCUConfig
	client *netdicom.ServiceUser
}

// SCUConfig configures the outbound peer association, spec §4.D.
type SCUConfig struct {
	CallingAE  string
	PeerAE     string
	Host       string
	Port       int
	TLS        bool
	PKCS12Path string
	PKCS12Pass string
	Timeout    time.Duration
}

// NewSCU opens an association. Callers must Close it when done.
func NewSCU(cfg SCUConfig) (*SCU, error) {
	params := netdicom.ServiceUserParams{
		CallingAETitle: cfg.CallingAE,
		CalledAETitle:  cfg.PeerAE,
	}
	if cfg.TLS {
		tlsCfg, err := loadPKCS12TLSConfig(cfg.PKCS12Path, cfg.PKCS12Pass)
		if err != nil {
			return nil, core.Wrapf(err, "dcmnet: load tls identity for %s", cfg.PeerAE)
		}
		params.TLSConfig = tlsCfg
	}
	su, err := netdicom.NewServiceUser(params)
	if err != nil {
		return nil, core.Wrapf(err, "dcmnet: new service user for %s", cfg.PeerAE)
	}
	su.Connect(addrOf(cfg.Host, cfg.Port))
	return &SCU{cfg: cfg, client: su}, nil
}

func addrOf(host string, port int) string {
	return host + ":" + itoa(port)
}

// loadPKCS12TLSConfig decodes a PKCS#12 bundle (common in hospital PACS
// environments, spec §4.D) into a tls.Config carrying the client
// certificate for mutual TLS.
func loadPKCS12TLSConfig(path, password string) (*tls.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	privKey, cert, err := pkcs12.Decode(raw, password)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  privKey,
			Leaf:        cert,
		}},
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Echo issues a C-ECHO, spec §4.D "probe semantics per type: ... DICOM
// = C-ECHO".
func (s *SCU) Echo(ctx context.Context) error {
	return s.client.Echo()
}

// Store C-STOREs one instance's raw bytes.
func (s *SCU) Store(ctx context.Context, data []byte) error {
	return s.client.CStore(data)
}

func (s *SCU) Close() error {
	s.client.Release()
	return nil
}
