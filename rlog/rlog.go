// Package rlog is the appliance-wide structured logger. It keeps the
// teacher's own nlog call surface (Infoln/Warningf/Errorln, leveled
// verbosity via FastV) so the rest of the tree reads exactly like the
// teacher's logging calls, but is backed by go.uber.org/zap since
// nlog's own implementation isn't part of the retrieved teacher tree
// (see DESIGN.md).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package rlog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	base    *zap.SugaredLogger
	verbose int32 // current -v level, read via FastV
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l.Sugar()
}

// SetLevel adjusts the verbosity threshold used by FastV.
func SetLevel(v int) { atomic.StoreInt32(&verbose, int32(v)) }

// SetDevelopment switches to a human-readable console encoder, useful
// for `routerctl` foreground runs.
func SetDevelopment() {
	l, err := zap.NewDevelopment()
	if err == nil {
		base = l.Sugar()
	}
}

// FastV is the teacher's cheap "should I even format this" guard,
// spec §4.D "cmn.Rom.FastV(5, cos.SmoduleS3)"; module name is accepted
// for call-site parity but only the verbosity level gates the check.
func FastV(level int, _ string) bool {
	return atomic.LoadInt32(&verbose) >= int32(level)
}

func Infoln(args ...any)            { base.Infoln(args...) }
func Infof(format string, a ...any)  { base.Infof(format, a...) }
func Warningln(args ...any)          { base.Warnln(args...) }
func Warningf(format string, a ...any) { base.Warnf(format, a...) }
func Errorln(args ...any)            { base.Errorln(args...) }
func Errorf(format string, a ...any)  { base.Errorf(format, a...) }

// Sync flushes any buffered log entries; call on shutdown.
func Sync() { _ = base.Sync() }
