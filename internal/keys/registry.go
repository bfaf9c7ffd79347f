package keys

// all enumerates every plain (non-templated) StandardKey constant. The templated families
// (bms_cell_voltage_N, bms_cell_temperature_N) are recognized separately by matchesCellFamily.
var all = []StandardKey{
	ServerTimestampMsUTC,
	PluginDataTimestampMsUTC,
	CorePluginConnectionStatus,

	StaticDeviceCategory,
	StaticInverterModelName,
	StaticInverterSerialNumber,
	StaticInverterFirmwareVersion,
	StaticInverterManufacturer,
	StaticCommunicationProtoVersion,
	StaticRatedPowerACWatts,
	StaticNumberOfMPPTs,
	StaticNumberOfPhasesAC,
	StaticBatteryModelName,
	StaticBatterySerialNumber,
	StaticBatteryFirmwareVersion,
	StaticBatteryManufacturer,
	StaticBatteryNominalCapacityKWh,
	StaticBatteryNominalVoltageVolts,
	StaticBMSHardwareVersion,
	StaticBMSSoftwareVersion,

	OperationalInverterStatusCode,
	OperationalInverterStatusText,
	OperationalInverterTemperatureCelsius,
	OperationalActiveFaultCodesList,
	OperationalActiveFaultMessagesList,
	OperationalCategorizedAlertsDict,
	OperationalEfficiencyPercent,
	OperationalBatteryTimeRemainingEstimateText,

	PVMPPT1VoltageVolts, PVMPPT1CurrentAmps, PVMPPT1PowerWatts,
	PVMPPT2VoltageVolts, PVMPPT2CurrentAmps, PVMPPT2PowerWatts,
	PVMPPT3VoltageVolts, PVMPPT3CurrentAmps, PVMPPT3PowerWatts,
	PVMPPT4VoltageVolts, PVMPPT4CurrentAmps, PVMPPT4PowerWatts,
	PVTotalDCPowerWatts,
	EnergyPVDailyKWh, EnergyPVMonthlyKWh, EnergyPVYearlyKWh, EnergyPVTotalLifetimeKWh,

	BatteryStateOfChargePercent, BatteryStateOfHealthPercent, BatteryVoltageVolts,
	BatteryCurrentAmps, BatteryPowerWatts, BatteryTemperatureCelsius,
	BatteryStatusCode, BatteryStatusText, BatteryCyclesCount,

	BMSChargeCurrentLimitAmps, BMSDischargeCurrentLimitAmps,
	BMSChargePowerLimitWatts, BMSDischargePowerLimitWatts,
	BMSCellCount, BMSCellVoltageMinVolts, BMSCellVoltageMaxVolts,
	BMSCellVoltageAverageVolts, BMSCellVoltageDeltaVolts,
	BMSTempMaxCelsius, BMSTempMinCelsius,
	BMSCellTemperatureMinCelsius, BMSCellTemperatureMaxCelsius, BMSCellTemperatureAverageCelsius,
	BMSCellVoltagesList, BMSCellTemperaturesList,
	BMSBalancingStatusText, BMSCellsBalancingText,
	BMSChargeFETOn, BMSDischargeFETOn,
	BMSMosfetChargeStatusText, BMSMosfetDischargeStatusText,
	BMSRemainingCapacityAh, BMSFullCapacityAh, BMSNominalCapacityAh,
	BMSFaultSummaryText, BMSActiveAlarmsList, BMSActiveWarningsList,
	BMSCellWithMinVoltageNumber, BMSCellWithMaxVoltageNumber,

	EnergyBatteryDailyChargeKWh, EnergyBatteryDailyDischargeKWh,
	EnergyBatteryTotalChargeKWh, EnergyBatteryTotalDischargeKWh,

	GridL1VoltageVolts, GridL1CurrentAmps, GridL1FrequencyHz, GridL1PowerWatts,
	GridL2VoltageVolts, GridL2CurrentAmps, GridL2PowerWatts,
	GridL3VoltageVolts, GridL3CurrentAmps, GridL3PowerWatts,
	GridTotalActivePowerWatts, GridTotalReactivePowerVAR, GridTotalApparentPowerVA,
	GridPowerFactor, GridFrequencyHz,
	EnergyGridDailyImportKWh, EnergyGridDailyExportKWh,
	EnergyGridTotalImportKWh, EnergyGridTotalExportKWh,
	EnergyGridYesterdayImportKWh, EnergyGridYesterdayExportKWh,

	LoadL1PowerWatts, LoadL2PowerWatts, LoadL3PowerWatts, LoadTotalPowerWatts, ACPowerWatts,
	EnergyLoadDailyKWh, EnergyLoadYesterdayKWh, EnergyLoadTotalKWh,

	EPSL1VoltageVolts, EPSL1CurrentAmps, EPSL1FrequencyHz, EPSL1PowerWatts,
	EPSL2VoltageVolts, EPSL2CurrentAmps, EPSL2FrequencyHz, EPSL2PowerWatts,
	EPSL3VoltageVolts, EPSL3CurrentAmps, EPSL3FrequencyHz, EPSL3PowerWatts,
	EPSTotalActivePowerWatts,
	EnergyEPSDailyKWh, EnergyEPSYesterdayKWh, EnergyEPSTotalKWh,

	ConfigPVInstalledCapacityWattPeak, ConfigBatteryUsableCapacityKWh,
	ConfigBatteryMaxChargePowerW, ConfigBatteryMaxDischargePowerW,

	PluginSpecificDataDict,
}

func buildKnownSet() map[StandardKey]struct{} {
	m := make(map[StandardKey]struct{}, len(all))
	for _, k := range all {
		m[k] = struct{}{}
	}
	return m
}
