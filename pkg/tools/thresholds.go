package tools

// Thresholds are (warning, critical) pairs unless stated otherwise.
const (
	cpuBusyWarn, cpuBusyCrit         = 75.0, 90.0
	loadPerCPUWarn, loadPerCPUCrit   = 1.0, 2.0
	iowaitWarn                       = 20.0
	stealWarn                        = 10.0
	memUsedWarn, memUsedCrit         = 85.0, 95.0
	swapUsedWarn                     = 50.0
	psiCPUSomeWarn                   = 25.0
	psiMemSomeWarn, psiMemFullCrit   = 10.0, 5.0
	psiIOSomeWarn, psiIOFullCrit     = 20.0, 10.0
	diskUtilWarn, diskUtilCrit       = 70.0, 90.0
	diskAwaitWarnMs, diskAwaitCritMs = 50.0, 200.0
	diskQueueWarn                    = 4.0
	retransWarn, retransCrit         = 1.0, 5.0

	syscallRateWarn   = 200000.0
	futexShareWarn    = 30.0
	blockP99WarnMs    = 50.0
	blockP99CritMs    = 200.0
	layerGapFactor    = 4.0
	execRateWarn      = 20.0
	runqP99WarnMs     = 10.0
	runqP99CritMs     = 50.0
	offcpuShareWarn   = 50.0
	tcpChurnRateWarn  = 100.0
	dnsP99WarnMs      = 100.0
	dnsP99CritMs      = 500.0
	fileP99CritMs     = 100.0
	timeWaitWarn      = 10000
	orphanedWarn      = 1000
	synRecvWarn       = 100
	throttleWarn      = 10.0
	throttleCrit      = 25.0
	cgroupMemWarn     = 90.0
	cgroupPidsWarn    = 90.0
	hotSymbolInfo     = 20.0
	kernelProfileWarn = 50.0

	defaultMinLatencyMs = 10
)
