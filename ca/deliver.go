package ca

import (
	"context"
	"path/filepath"

	"github.com/cloudflare/cfssl/log"
	caerrors "github.com/rkcloudchain/hostca/errors"
	"github.com/rkcloudchain/hostca/journal"
	"github.com/rkcloudchain/hostca/transfer"
	"github.com/rkcloudchain/hostca/util"
)

const (
	remoteCertMode = 0644
	remoteKeyMode  = 0600
)

// RemoteTarget returns the configured delivery target
func (e *Engine) RemoteTarget() transfer.RemoteTarget {
	return transfer.RemoteTarget{
		Host:      e.cfg.Remote.Host,
		Principal: e.cfg.Remote.Principal,
		Port:      e.cfg.Remote.Port,
		Dir:       e.cfg.Remote.Dir,
	}
}

// Deliver pushes the certificate and key of ic to the remote target and
// then deletes both local copies, whether or not the push succeeded. A
// failed push is a TransferError; a failed purge is a fatal
// PermissionError.
func (e *Engine) Deliver(ctx context.Context, ic *IssuedCertificate) error {
	if ic == nil || ic.Status != journal.Signed {
		return caerrors.NewTransferError("Only signed certificates can be delivered")
	}
	target := e.RemoteTarget()

	log.Infof("[%s] Transferring %s and %s to %s", ic.CommonName, ic.SafeName+".pem", ic.SafeName+".key", target)
	pushErr := e.push(ctx, target, ic)

	purgeErr := e.purge(ic)

	if pushErr != nil {
		log.Warningf("[%s] Transfer to %s failed: %s", ic.CommonName, target, pushErr)
		e.setStatus(ic, journal.Skipped, pushErr.Error())
		if purgeErr != nil {
			return purgeErr
		}
		return caerrors.NewTransferError("Transfer of '%s' to %s failed: %s", ic.CommonName, target, pushErr)
	}

	e.setStatus(ic, journal.Transferred, "")
	log.Infof("[%s] Transferred to %s", ic.CommonName, target)
	if purgeErr != nil {
		return purgeErr
	}
	e.setStatus(ic, journal.PurgedLocal, "")
	log.Infof("[%s] Local copies removed", ic.CommonName)
	return nil
}

func (e *Engine) push(ctx context.Context, target transfer.RemoteTarget, ic *IssuedCertificate) error {
	if e.transferer == nil {
		return caerrors.NewTransferError("No transfer method is configured")
	}
	if err := target.Validate(); err != nil {
		return err
	}
	return e.transferer.Push(ctx, target,
		transfer.File{Path: ic.CertPath, Mode: remoteCertMode},
		transfer.File{Path: ic.KeyPath, Mode: remoteKeyMode},
	)
}

// purge removes the local certificate and key
func (e *Engine) purge(ic *IssuedCertificate) error {
	for _, f := range []string{ic.KeyPath, ic.CertPath} {
		if err := util.RemoveFile(f); err != nil {
			return caerrors.NewPermissionError("Failed to purge local copy: %s", err)
		}
	}
	return nil
}

// Fingerprint returns the SHA-256 fingerprint of the certificate installed
// for commonName in the trust directory, or "" if there is none
func (e *Engine) Fingerprint(commonName string) string {
	if e.cfg.TrustDir == "" {
		return ""
	}
	certFile := filepath.Join(e.cfg.TrustDir, SafeName(commonName)+".pem")
	fp, err := e.toolchain.Fingerprint(certFile)
	if err != nil {
		log.Debugf("No fingerprint for '%s': %s", commonName, err)
		return ""
	}
	return fp
}
