// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hccl

import (
	"github.com/gomlx/collectives/tl"
	"github.com/pkg/errors"
)

// GetScores implements tl.Team.
//
// Every supported collective is served over host memory for all message sizes, with DefaultScore.
func (t *Team) GetScores() (*tl.CollScore, error) {
	score := tl.NewCollScore()
	for _, collType := range SupportedColls.Types() {
		err := score.AddRange(collType, tl.MemoryHost, 0, tl.MsgMax, DefaultScore, t.CollInit, t)
		if err != nil {
			return nil, errors.WithMessagef(err, "hccl: team %s failed to register scores", t.id)
		}
	}
	return score, nil
}
