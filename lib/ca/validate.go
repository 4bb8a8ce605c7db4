/*
Copyright 2024 StatsNapp, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ca

import (
	"crypto/x509"
	"fmt"

	"github.com/gravitational/trace"
)

// KeyUsageResult reports the outcome of KU/EKU validation at device auth.
type KeyUsageResult struct {
	Valid                    bool     `json:"valid"`
	HasDigitalSignature      bool     `json:"hasDigitalSignature"`
	HasClientAuth            bool     `json:"hasClientAuth"`
	HasProhibitedKeyCertSign bool     `json:"hasProhibitedKeyCertSign"`
	Errors                   []string `json:"errors,omitempty"`
}

// ValidateKeyUsageAndEKU enforces the usage policy on a presented client
// certificate. It runs at every device authentication, not only at issuance:
// a certificate that predates the policy (carrying no KU or EKU extension at
// all) is rejected too.
func (a *Authority) ValidateKeyUsageAndEKU(certPEM []byte) (*KeyUsageResult, error) {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	result := &KeyUsageResult{
		HasDigitalSignature:      cert.KeyUsage&x509.KeyUsageDigitalSignature != 0,
		HasProhibitedKeyCertSign: cert.KeyUsage&x509.KeyUsageCertSign != 0,
	}
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageClientAuth {
			result.HasClientAuth = true
		}
	}

	if cert.KeyUsage == 0 {
		result.Errors = append(result.Errors, "certificate carries no key usage extension")
	}
	if len(cert.ExtKeyUsage) == 0 && len(cert.UnknownExtKeyUsage) == 0 {
		result.Errors = append(result.Errors, "certificate carries no extended key usage extension")
	}
	if !result.HasDigitalSignature {
		result.Errors = append(result.Errors, "digitalSignature key usage is required")
	}
	if !result.HasClientAuth {
		result.Errors = append(result.Errors, "clientAuth extended key usage is required")
	}
	if result.HasProhibitedKeyCertSign {
		result.Errors = append(result.Errors, "keyCertSign is prohibited on device certificates")
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// ChainResult reports the outcome of a chain validation.
type ChainResult struct {
	Valid         bool     `json:"valid"`
	ChainLength   int      `json:"chainLength"`
	ChainSubjects []string `json:"chainSubjects"`
	Errors        []string `json:"errors,omitempty"`
}

// ValidateChain checks leaf -> intermediates -> root link by link: validity
// windows, CA flags, signatures, root self-signature, and path length
// constraints.
func (a *Authority) ValidateChain(leafPEM []byte, intermediatePEMs [][]byte, rootPEM []byte) (*ChainResult, error) {
	leaf, err := parseCertificatePEM(leafPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := parseCertificatePEM(rootPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	chain := []*x509.Certificate{leaf}
	for _, pemBytes := range intermediatePEMs {
		cert, err := parseCertificatePEM(pemBytes)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		chain = append(chain, cert)
	}
	chain = append(chain, root)

	result := &ChainResult{ChainLength: len(chain)}
	for _, cert := range chain {
		result.ChainSubjects = append(result.ChainSubjects, cert.Subject.CommonName)
	}

	now := a.cfg.Clock.Now()
	for i, cert := range chain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("certificate %q is outside its validity window", cert.Subject.CommonName))
		}
		if i == 0 {
			if cert.IsCA {
				result.Errors = append(result.Errors, "leaf certificate must not be a CA")
			}
			continue
		}
		if !cert.IsCA || !cert.BasicConstraintsValid {
			result.Errors = append(result.Errors,
				fmt.Sprintf("certificate %q is not a CA", cert.Subject.CommonName))
		}
		// pathLenConstraint counts non-self-issued intermediates below
		// this certificate; i-1 intermediates sit between it and the leaf.
		if cert.MaxPathLen > 0 || (cert.MaxPathLen == 0 && cert.MaxPathLenZero) {
			below := i - 1
			if below > cert.MaxPathLen {
				result.Errors = append(result.Errors,
					fmt.Sprintf("certificate %q path length constraint exceeded", cert.Subject.CommonName))
			}
		}
	}

	// Each certificate must be signed by its successor in the chain; the
	// root signs itself.
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("certificate %q is not signed by %q: %v",
					chain[i].Subject.CommonName, chain[i+1].Subject.CommonName, err))
		}
	}
	if err := root.CheckSignatureFrom(root); err != nil {
		result.Errors = append(result.Errors, "root certificate is not self-signed")
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}
