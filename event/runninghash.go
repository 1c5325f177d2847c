// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package event

import (
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

// NextRunningHash computes runningHash(e) = digest(prev || hash(e)), the
// pure combinator of spec.md §3. The caller (pipeline.forCons worker)
// is the sole place this is invoked, in strict consensusOrder, so that
// every honest node folds the same prefix in the same order.
func NextRunningHash(prev common.Hash, e *Event) common.Hash {
	return platformcrypto.HashConcat(prev, e.Hash())
}
