// Package logging provides structured JSON logging for planloop processes.
//
// Each orchestrator process writes one JSON object per line to
// {dir}/planloop.log (or stderr when no directory is configured). Child
// loggers carry persistent attributes so that the lines of concurrently
// running orchestrators sharing a log directory can be told apart:
//
//	logger, err := logging.NewLogger(".planloop/logs", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithInstance(inst.ID).WithPlan(inst.PlanPath)
//	log.WithComponent("runner").Info("session finished", "duration_ms", 1500)
//
// Long-running orchestrators should use [NewLoggerWithRotation], which
// rotates planloop.log into planloop.log.1 ... planloop.log.N once it grows
// past [RotationConfig.MaxSizeMB], optionally gzipping the backups.
//
// Components accept a nil *Logger and substitute [NopLogger] via [OrNop].
package logging
