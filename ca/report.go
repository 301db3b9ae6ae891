package ca

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	caerrors "github.com/rkcloudchain/hostca/errors"
)

// Outcome is the per-name result of a run
type Outcome string

// Outcomes
const (
	SignedTransferred Outcome = "signed+transferred"
	Skipped           Outcome = "skipped"
	FatalAbort        Outcome = "fatal-abort"
)

// Result is the outcome for one common name
type Result struct {
	CommonName string
	Outcome    Outcome
	Serial     string
	// IssuedFingerprint is the fingerprint of the certificate that was signed
	IssuedFingerprint string
	// Fingerprint is the fingerprint of the certificate installed in the
	// trust directory when the run finished
	Fingerprint string
	Err         error
}

// Report is the result of a run. Err is set when the run was aborted;
// names after the one that failed have no result.
type Report struct {
	Results []*Result
	Err     error
}

// Aborted returns true if the run stopped on a fatal error
func (r *Report) Aborted() bool {
	return r.Err != nil
}

// Run bootstraps the CA if needed and then issues and delivers a
// certificate for each name, one at a time. A transfer failure skips the
// name; any other failure aborts the run.
func (e *Engine) Run(ctx context.Context, names []string) *Report {
	report := &Report{}

	if err := e.EnsureInitialized(); err != nil {
		report.Err = err
		return report
	}
	if err := e.EnsureRootCertificate(); err != nil {
		report.Err = err
		return report
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			report.Err = errors.WithMessagef(err, "Run cancelled before '%s'", name)
			break
		}
		res := &Result{CommonName: name}
		report.Results = append(report.Results, res)

		ic, err := e.Issue(name)
		if err != nil {
			log.Errorf("[%s] %s", name, err)
			res.Outcome = FatalAbort
			res.Err = err
			report.Err = err
			break
		}
		res.Serial = ic.SerialHex()
		res.IssuedFingerprint = ic.Fingerprint

		err = e.Deliver(ctx, ic)
		if err != nil {
			res.Err = err
			if caerrors.IsFatalError(err) {
				log.Errorf("[%s] %s", name, err)
				res.Outcome = FatalAbort
				report.Err = err
				break
			}
			res.Outcome = Skipped
			continue
		}
		res.Outcome = SignedTransferred
	}

	for _, res := range report.Results {
		res.Fingerprint = e.Fingerprint(res.CommonName)
	}
	return report
}

// Print writes the summary table
func (r *Report) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMON NAME\tOUTCOME\tSERIAL\tINSTALLED FINGERPRINT")
	for _, res := range r.Results {
		serial := res.Serial
		if serial == "" {
			serial = "-"
		}
		fp := res.Fingerprint
		if fp == "" {
			fp = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.CommonName, res.Outcome, serial, fp)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.Err != nil {
		_, err := fmt.Fprintf(w, "Run aborted (%s): %s\n", caerrors.KindOf(r.Err), r.Err)
		return err
	}
	return nil
}
