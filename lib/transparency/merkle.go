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

package transparency

import (
	"crypto/sha256"
	"encoding/hex"
)

// Proof positions. A step's position names where the sibling hash sits
// relative to the running value when folding a proof.
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

// ProofStep is one sibling hash in an inclusion proof.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

// emptyTreeRoot is the defined root of a tree with no leaves.
var emptyTreeRoot = hashString("EMPTY_TREE")

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashPair(left, right string) string {
	return hashString(left + right)
}

// computeRoot folds the complete binary tree over the ordered leaves,
// duplicating the last element whenever a level has odd cardinality.
func computeRoot(leaves []string) string {
	if len(leaves) == 0 {
		return emptyTreeRoot
	}
	level := make([]string, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// inclusionProof walks levels bottom-up recording the sibling of position i
// at each level. When the sibling is the duplicated element itself, the
// recorded step still says right, which folds identically.
func inclusionProof(leaves []string, index int) []ProofStep {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	proof := []ProofStep{}
	level := make([]string, len(leaves))
	copy(level, leaves)
	i := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		if i%2 == 0 {
			proof = append(proof, ProofStep{Hash: level[i+1], Position: PositionRight})
		} else {
			proof = append(proof, ProofStep{Hash: level[i-1], Position: PositionLeft})
		}
		next := make([]string, 0, len(level)/2)
		for j := 0; j < len(level); j += 2 {
			next = append(next, hashPair(level[j], level[j+1]))
		}
		level = next
		i /= 2
	}
	return proof
}

// VerifyInclusion folds the proof over the leaf hash and reports whether the
// result reproduces the expected root.
func VerifyInclusion(leafHash string, proof []ProofStep, expectedRoot string) bool {
	current := leafHash
	for _, step := range proof {
		if step.Position == PositionLeft {
			current = hashPair(step.Hash, current)
		} else {
			current = hashPair(current, step.Hash)
		}
	}
	return current == expectedRoot
}
