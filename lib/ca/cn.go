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
	"strings"
)

// FormatCN returns the legacy common name {PREFIX}-{deviceId}.
func (a *Authority) FormatCN(deviceID string) string {
	return fmt.Sprintf("%s-%s", a.cfg.CNPrefix, deviceID)
}

// FormatStructuredCN returns {PREFIX}-{ORDER}-{BATCH}-{DEVICE}. Order and
// batch are uppercased so the CN segments stay canonical.
func (a *Authority) FormatStructuredCN(deviceID, orderID, batchID string) string {
	return fmt.Sprintf("%s-%s-%s-%s",
		a.cfg.CNPrefix, strings.ToUpper(orderID), strings.ToUpper(batchID), deviceID)
}

// expectedCNs lists the common names a CSR for this device may carry, the
// configured format first. The legacy form is always accepted; the
// structured form joins when order and batch are supplied.
func (a *Authority) expectedCNs(deviceID, orderID, batchID string) []string {
	expected := []string{a.FormatCN(deviceID)}
	if orderID != "" && batchID != "" {
		structured := a.FormatStructuredCN(deviceID, orderID, batchID)
		if a.cfg.CNFormat == CNFormatStructured {
			expected = []string{structured, expected[0]}
		} else {
			expected = append(expected, structured)
		}
	}
	return expected
}

// matchSubject checks the CSR's CN, or any DNS-type SAN, against the
// expected common names.
func matchSubject(csr *x509.CertificateRequest, expected []string) (string, bool) {
	candidates := append([]string{csr.Subject.CommonName}, csr.DNSNames...)
	for _, candidate := range candidates {
		for _, want := range expected {
			if candidate == want {
				return want, true
			}
		}
	}
	return "", false
}
