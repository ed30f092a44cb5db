// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/timeagg"
)

// Candidate-level output columns, repeated on every operation row.
const (
	ColItemCode     = "ITEM_CD"
	ColCandidateID  = "CANDIDATE_ID"
	ColSignature    = "ROUTING_SIGNATURE"
	ColPriority     = "PRIORITY"
	ColTier         = "SIMILARITY_TIER"
	ColSimilarity   = "SIMILARITY_SCORE"
	ColReference    = "REFERENCE_ITEM_CD"
	ColSource       = "ROUTING_SOURCE"
	ColConfidence   = "CONFIDENCE"
	ColSampleCount  = "SAMPLE_COUNT"
	ColProcSeq      = "PROC_SEQ"
	ColJobCode      = "dbo_BI_ROUTING_VIEW_JOB_CD"
	ColJobName      = "JOB_NM"
	ColResource     = "RES_CD"
	ColInsideFlag   = "INSIDE_FLAG"
	ColSetupTime    = "SETUP_TIME"
	ColRunTime      = "RUN_TIME"
	ColQueueTime    = "QUEUE_TIME"
	ColWaitTime     = "WAIT_TIME"
	ColMoveTime     = "MOVE_TIME"
	ColRunTimeOpt   = "RUN_TIME_OPT"
	ColRunTimeStd   = "RUN_TIME_STD"
	ColRunTimeSafe  = "RUN_TIME_SAFE"
	ColSetupOpt     = "SETUP_TIME_OPT"
	ColSetupStd     = "SETUP_TIME_STD"
	ColSetupSafe    = "SETUP_TIME_SAFE"
	ColRunTimeSigma = "RUN_TIME_SIGMA"
)

// OutputColumns is the fixed column order of the routing output table.
var OutputColumns = []string{
	ColItemCode, ColCandidateID, ColSignature, ColPriority, ColTier,
	ColSimilarity, ColReference, ColSource, ColConfidence, ColSampleCount,
	ColProcSeq, ColJobCode, ColJobName, ColResource, "RES_DIS", ColInsideFlag,
	"ROUT_NO", "ROUT_DOC", "TIME_UNIT", "MFG_LT",
	ColSetupTime, ColRunTime, ColQueueTime, ColWaitTime, ColMoveTime,
	"MACH_WORKED_HOURS", "ACT_SETUP_TIME", "ACT_RUN_TIME", "RUN_TIME_QTY", "RUN_TIME_UNIT",
	"BATCH_OPER", "BP_CD", "CUST_NM", "CUR_CD", "SUBCONTRACT_PRC",
	"NC_PROGRAM", "NC_PROGRAM_WRITER", "VALID_FROM_DT", "VALID_TO_DT",
	ColSetupOpt, ColSetupStd, ColSetupSafe,
	ColRunTimeOpt, ColRunTimeStd, ColRunTimeSafe, ColRunTimeSigma,
}

// Aliases maps source column names to their output names. An alias is
// applied only when the output column is not already present.
var Aliases = map[string]string{
	"JOB_CD":     ColJobCode,
	"PROC_CD":    ColJobCode,
	"SEQ":        ColProcSeq,
	"STEP":       ColProcSeq,
	"RESOURCE":   ColResource,
	"RES_NM":     "RES_DIS",
	"IDLE_TIME":  ColWaitTime,
	"INSIDE":     ColInsideFlag,
	"ROUTING_NO": "ROUT_NO",
}

// timeOutputColumns are the output columns that carry non-negative times.
var timeOutputColumns = []string{
	ColSetupTime, ColRunTime, ColQueueTime, ColWaitTime, ColMoveTime,
	"MACH_WORKED_HOURS", "ACT_SETUP_TIME", "ACT_RUN_TIME", "RUN_TIME_QTY",
	ColSetupOpt, ColSetupStd, ColSetupSafe,
	ColRunTimeOpt, ColRunTimeStd, ColRunTimeSafe, ColRunTimeSigma,
}

// logicalOutput maps a timeagg logical column to its output column.
var logicalOutput = map[string]string{
	"setup_time": ColSetupTime,
	"run_time":   ColRunTime,
	"queue_time": ColQueueTime,
	"wait_time":  ColWaitTime,
	"move_time":  ColMoveTime,
}

// Normalize reshapes a routing step into the output contract: aliases are
// applied, time columns are coerced to non-negative numbers, columns not in
// OutputColumns are dropped and missing ones are set to nil.
func Normalize(step dataset.Row) dataset.Row {
	src := step.Clone()
	for from, to := range Aliases {
		if src.Has(from) && !src.Has(to) {
			src[to] = src[from]
		}
	}
	// logical times resolved through their synonyms, first synonym wins
	t := timeagg.StepTimes(step)
	for _, c := range timeagg.Columns {
		if _, srcCol := c.Resolve(step); srcCol != "" {
			src[logicalOutput[c.Name]] = t.Get(c.Name)
		}
	}
	if seq, ok := dataset.ProcSeq(step); ok {
		src[ColProcSeq] = seq
	}

	out := make(dataset.Row, len(OutputColumns))
	for _, col := range OutputColumns {
		v, ok := src[col]
		if !ok || v == nil {
			out[col] = nil
			continue
		}
		out[col] = v
	}
	for _, col := range timeOutputColumns {
		if out[col] != nil {
			out[col] = dataset.NonNegative(out[col])
		}
	}
	return out
}
