// Package keys defines the closed, versioned vocabulary of standard data keys
// that every plugin, the aggregator, and every publisher agree on.
package keys

// StandardKey is a member of the closed vocabulary used throughout solarcore.
// Values outside this vocabulary are never stored in SystemState; a plugin
// that emits an unrecognized key gets a one-time-per-session warning and the
// value is dropped.
type StandardKey string

// Timestamps & core status, populated by the aggregator rather than a plugin.
const (
	ServerTimestampMsUTC        StandardKey = "server_timestamp_ms_utc"
	PluginDataTimestampMsUTC    StandardKey = "plugin_data_timestamp_ms_utc"
	CorePluginConnectionStatus  StandardKey = "core_plugin_connection_status"
)

// Device identification, read once via read_static.
const (
	StaticDeviceCategory             StandardKey = "static_device_category" // "inverter" | "bms"
	StaticInverterModelName          StandardKey = "static_inverter_model_name"
	StaticInverterSerialNumber       StandardKey = "static_inverter_serial_number"
	StaticInverterFirmwareVersion    StandardKey = "static_inverter_firmware_version"
	StaticInverterManufacturer       StandardKey = "static_inverter_manufacturer"
	StaticCommunicationProtoVersion StandardKey = "static_communication_protocol_version"
	StaticRatedPowerACWatts          StandardKey = "static_rated_power_ac_watts"
	StaticNumberOfMPPTs              StandardKey = "static_number_of_mppts"
	StaticNumberOfPhasesAC           StandardKey = "static_number_of_phases_ac"

	StaticBatteryModelName           StandardKey = "static_battery_model_name"
	StaticBatterySerialNumber        StandardKey = "static_battery_serial_number"
	StaticBatteryFirmwareVersion     StandardKey = "static_battery_firmware_version"
	StaticBatteryManufacturer        StandardKey = "static_battery_manufacturer"
	StaticBatteryNominalCapacityKWh  StandardKey = "static_battery_nominal_capacity_kwh"
	StaticBatteryNominalVoltageVolts StandardKey = "static_battery_nominal_voltage_volts"
	StaticBMSHardwareVersion         StandardKey = "static_bms_hardware_version"
	StaticBMSSoftwareVersion         StandardKey = "static_bms_software_version"
)

// Inverter operational status & faults.
const (
	OperationalInverterStatusCode             StandardKey = "operational_inverter_status_code"
	OperationalInverterStatusText              StandardKey = "operational_inverter_status_text"
	OperationalInverterTemperatureCelsius      StandardKey = "operational_inverter_temperature_celsius"
	OperationalActiveFaultCodesList            StandardKey = "operational_active_fault_codes_list"
	OperationalActiveFaultMessagesList         StandardKey = "operational_active_fault_messages_list"
	OperationalCategorizedAlertsDict           StandardKey = "operational_categorized_alerts_dict"
	OperationalEfficiencyPercent               StandardKey = "operational_efficiency_percent"
	OperationalBatteryTimeRemainingEstimateText StandardKey = "operational_battery_time_remaining_estimate_text"
)

// PV / solar input, per MPPT plus totals and daily/monthly/yearly/lifetime energy.
const (
	PVMPPT1VoltageVolts StandardKey = "pv_mppt1_voltage_volts"
	PVMPPT1CurrentAmps  StandardKey = "pv_mppt1_current_amps"
	PVMPPT1PowerWatts   StandardKey = "pv_mppt1_power_watts"
	PVMPPT2VoltageVolts StandardKey = "pv_mppt2_voltage_volts"
	PVMPPT2CurrentAmps  StandardKey = "pv_mppt2_current_amps"
	PVMPPT2PowerWatts   StandardKey = "pv_mppt2_power_watts"
	PVMPPT3VoltageVolts StandardKey = "pv_mppt3_voltage_volts"
	PVMPPT3CurrentAmps  StandardKey = "pv_mppt3_current_amps"
	PVMPPT3PowerWatts   StandardKey = "pv_mppt3_power_watts"
	PVMPPT4VoltageVolts StandardKey = "pv_mppt4_voltage_volts"
	PVMPPT4CurrentAmps  StandardKey = "pv_mppt4_current_amps"
	PVMPPT4PowerWatts   StandardKey = "pv_mppt4_power_watts"

	PVTotalDCPowerWatts        StandardKey = "pv_total_dc_power_watts"
	EnergyPVDailyKWh           StandardKey = "energy_pv_daily_kwh"
	EnergyPVMonthlyKWh         StandardKey = "energy_pv_monthly_kwh"
	EnergyPVYearlyKWh          StandardKey = "energy_pv_yearly_kwh"
	EnergyPVTotalLifetimeKWh   StandardKey = "energy_pv_total_lifetime_kwh"
)

// Battery system, dynamic.
const (
	BatteryStateOfChargePercent StandardKey = "battery_state_of_charge_percent"
	BatteryStateOfHealthPercent StandardKey = "battery_state_of_health_percent"
	BatteryVoltageVolts         StandardKey = "battery_voltage_volts"
	BatteryCurrentAmps          StandardKey = "battery_current_amps" // +discharging, -charging
	BatteryPowerWatts           StandardKey = "battery_power_watts"  // +discharging, -charging
	BatteryTemperatureCelsius   StandardKey = "battery_temperature_celsius"
	BatteryStatusCode           StandardKey = "battery_status_code"
	BatteryStatusText           StandardKey = "battery_status_text"
	BatteryCyclesCount          StandardKey = "battery_cycles_count"

	BMSChargeCurrentLimitAmps      StandardKey = "bms_charge_current_limit_amps"
	BMSDischargeCurrentLimitAmps   StandardKey = "bms_discharge_current_limit_amps"
	BMSChargePowerLimitWatts       StandardKey = "bms_charge_power_limit_watts"
	BMSDischargePowerLimitWatts    StandardKey = "bms_discharge_power_limit_watts"

	BMSCellCount                    StandardKey = "bms_cell_count"
	BMSCellVoltageMinVolts          StandardKey = "bms_cell_voltage_min_volts"
	BMSCellVoltageMaxVolts          StandardKey = "bms_cell_voltage_max_volts"
	BMSCellVoltageAverageVolts      StandardKey = "bms_cell_voltage_average_volts"
	BMSCellVoltageDeltaVolts        StandardKey = "bms_cell_voltage_delta_volts"
	BMSTempMaxCelsius               StandardKey = "bms_temp_max_celsius"
	BMSTempMinCelsius               StandardKey = "bms_temp_min_celsius"
	BMSCellTemperatureMinCelsius    StandardKey = "bms_cell_temperature_min_celsius"
	BMSCellTemperatureMaxCelsius    StandardKey = "bms_cell_temperature_max_celsius"
	BMSCellTemperatureAverageCelsius StandardKey = "bms_cell_temperature_average_celsius"
	BMSCellVoltagesList             StandardKey = "bms_cell_voltages_list"
	BMSCellTemperaturesList         StandardKey = "bms_cell_temperatures_list"
	BMSBalancingStatusText          StandardKey = "bms_balancing_status_text"
	BMSCellsBalancingText           StandardKey = "bms_cells_balancing_text"
	BMSChargeFETOn                  StandardKey = "bms_charge_fet_on"
	BMSDischargeFETOn               StandardKey = "bms_discharge_fet_on"
	BMSMosfetChargeStatusText        StandardKey = "bms_mosfet_charge_status_text"
	BMSMosfetDischargeStatusText     StandardKey = "bms_mosfet_discharge_status_text"
	BMSRemainingCapacityAh          StandardKey = "bms_remaining_capacity_ah"
	BMSFullCapacityAh               StandardKey = "bms_full_capacity_ah"
	BMSNominalCapacityAh            StandardKey = "bms_nominal_capacity_ah"
	BMSFaultSummaryText             StandardKey = "bms_fault_summary_text"
	BMSActiveAlarmsList             StandardKey = "bms_active_alarms_list"
	BMSActiveWarningsList           StandardKey = "bms_active_warnings_list"
	BMSCellWithMinVoltageNumber     StandardKey = "bms_cell_with_min_voltage_number"
	BMSCellWithMaxVoltageNumber     StandardKey = "bms_cell_with_max_voltage_number"

	EnergyBatteryDailyChargeKWh    StandardKey = "energy_battery_daily_charge_kwh"
	EnergyBatteryDailyDischargeKWh StandardKey = "energy_battery_daily_discharge_kwh"
	EnergyBatteryTotalChargeKWh    StandardKey = "energy_battery_total_charge_kwh"
	EnergyBatteryTotalDischargeKWh StandardKey = "energy_battery_total_discharge_kwh"
)

// BMSCellVoltageN returns the per-cell StandardKey for cell number n (1-based), covering
// the open-ended bms_cell_voltage_1 .. bms_cell_voltage_N family a pack's cell count needs.
func BMSCellVoltageN(n int) StandardKey {
	return StandardKey("bms_cell_voltage_" + itoa(n))
}

// BMSCellTemperatureN returns the per-sensor StandardKey for temperature sensor n (1-based).
func BMSCellTemperatureN(n int) StandardKey {
	return StandardKey("bms_cell_temperature_" + itoa(n))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Grid interaction, per phase plus totals.
const (
	GridL1VoltageVolts StandardKey = "grid_l1_voltage_volts"
	GridL1CurrentAmps  StandardKey = "grid_l1_current_amps"
	GridL1FrequencyHz  StandardKey = "grid_l1_frequency_hz"
	GridL1PowerWatts   StandardKey = "grid_l1_power_watts"
	GridL2VoltageVolts StandardKey = "grid_l2_voltage_volts"
	GridL2CurrentAmps  StandardKey = "grid_l2_current_amps"
	GridL2PowerWatts   StandardKey = "grid_l2_power_watts"
	GridL3VoltageVolts StandardKey = "grid_l3_voltage_volts"
	GridL3CurrentAmps  StandardKey = "grid_l3_current_amps"
	GridL3PowerWatts   StandardKey = "grid_l3_power_watts"

	GridTotalActivePowerWatts   StandardKey = "grid_total_active_power_watts"
	GridTotalReactivePowerVAR   StandardKey = "grid_total_reactive_power_var"
	GridTotalApparentPowerVA    StandardKey = "grid_total_apparent_power_va"
	GridPowerFactor             StandardKey = "grid_power_factor"
	GridFrequencyHz             StandardKey = "grid_frequency_hz"

	EnergyGridDailyImportKWh    StandardKey = "energy_grid_daily_import_kwh"
	EnergyGridDailyExportKWh    StandardKey = "energy_grid_daily_export_kwh"
	EnergyGridTotalImportKWh    StandardKey = "energy_grid_total_import_kwh"
	EnergyGridTotalExportKWh    StandardKey = "energy_grid_total_export_kwh"
	EnergyGridYesterdayImportKWh StandardKey = "energy_grid_yesterday_import_kwh"
	EnergyGridYesterdayExportKWh StandardKey = "energy_grid_yesterday_export_kwh"
)

// Load / consumption.
const (
	LoadL1PowerWatts     StandardKey = "load_l1_power_watts"
	LoadL2PowerWatts     StandardKey = "load_l2_power_watts"
	LoadL3PowerWatts     StandardKey = "load_l3_power_watts"
	LoadTotalPowerWatts  StandardKey = "load_total_power_watts"
	ACPowerWatts         StandardKey = "ac_power_watts"
	EnergyLoadDailyKWh   StandardKey = "energy_load_daily_kwh"
	EnergyLoadYesterdayKWh StandardKey = "energy_load_yesterday_kwh"
	EnergyLoadTotalKWh   StandardKey = "energy_load_total_kwh"
)

// EPS / backup power.
const (
	EPSL1VoltageVolts StandardKey = "eps_l1_voltage_volts"
	EPSL1CurrentAmps  StandardKey = "eps_l1_current_amps"
	EPSL1FrequencyHz  StandardKey = "eps_l1_frequency_hz"
	EPSL1PowerWatts   StandardKey = "eps_l1_power_watts"
	EPSL2VoltageVolts StandardKey = "eps_l2_voltage_volts"
	EPSL2CurrentAmps  StandardKey = "eps_l2_current_amps"
	EPSL2FrequencyHz  StandardKey = "eps_l2_frequency_hz"
	EPSL2PowerWatts   StandardKey = "eps_l2_power_watts"
	EPSL3VoltageVolts StandardKey = "eps_l3_voltage_volts"
	EPSL3CurrentAmps  StandardKey = "eps_l3_current_amps"
	EPSL3FrequencyHz  StandardKey = "eps_l3_frequency_hz"
	EPSL3PowerWatts   StandardKey = "eps_l3_power_watts"

	EPSTotalActivePowerWatts StandardKey = "eps_total_active_power_watts"
	EnergyEPSDailyKWh        StandardKey = "energy_eps_daily_kwh"
	EnergyEPSYesterdayKWh    StandardKey = "energy_eps_yesterday_kwh"
	EnergyEPSTotalKWh        StandardKey = "energy_eps_total_kwh"
)

// Configuration values passed through for filter ceilings / percent-of-capacity display.
const (
	ConfigPVInstalledCapacityWattPeak    StandardKey = "config_pv_installed_capacity_watt_peak"
	ConfigBatteryUsableCapacityKWh       StandardKey = "config_battery_usable_capacity_kwh"
	ConfigBatteryMaxChargePowerW         StandardKey = "config_battery_max_charge_power_w"
	ConfigBatteryMaxDischargePowerW      StandardKey = "config_battery_max_discharge_power_w"
)

// PluginSpecificDataDict is an opaque pass-through bucket for non-standard plugin telemetry.
const PluginSpecificDataDict StandardKey = "plugin_specific_data_dict"

// known is the closed membership set backing IsKnown.
var known = buildKnownSet()

// IsKnown reports whether k belongs to the closed StandardKey vocabulary, including the
// per-cell bms_cell_voltage_N / bms_cell_temperature_N families which aren't enumerable as
// plain constants.
func IsKnown(k StandardKey) bool {
	if _, ok := known[k]; ok {
		return true
	}
	return matchesCellFamily(string(k), "bms_cell_voltage_") || matchesCellFamily(string(k), "bms_cell_temperature_")
}

func matchesCellFamily(s, prefix string) bool {
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return false
	}
	for _, c := range s[len(prefix):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
