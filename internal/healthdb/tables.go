// Package healthdb declares the logical databases of the health store:
// device and file identity (garmin), all-day monitoring, activities and
// roll-up summaries.
package healthdb

import "github.com/healthdb/healthdb/pkg/types"

// Database versions. Bumping one forces a rebuild and re-import.
const (
	GarminVersion     = 2
	MonitoringVersion = 2
	ActivitiesVersion = 2
	SummaryVersion    = 2
)

// Database names; each is stored as <name>.db in the database directory.
const (
	GarminDB     = "garmin"
	MonitoringDB = "monitoring"
	ActivitiesDB = "activities"
	SummaryDB    = "summary"
)

func col(name string, t types.ColumnType) types.ColumnDef {
	return types.ColumnDef{Name: name, Type: t}
}

// garmin

var Files = &types.Table{
	Name:    "files",
	Version: 1,
	Columns: []types.ColumnDef{
		col("id", types.ColumnText),
		col("name", types.ColumnText),
		col("type", types.ColumnEnum),
		col("serial_number", types.ColumnInteger),
		col("timestamp", types.ColumnTimestamp),
		col("hash", types.ColumnText),
		col("imported", types.ColumnTimestamp),
	},
	MatchKey:   []string{"id"},
	TimeColumn: "timestamp",
	Indexes:    []types.IndexDef{{Name: "idx_files_hash", Columns: []string{"hash"}}},
}

var Devices = &types.Table{
	Name:    "devices",
	Version: 1,
	Columns: []types.ColumnDef{
		col("serial_number", types.ColumnInteger),
		col("timestamp", types.ColumnTimestamp),
		col("device_type", types.ColumnEnum),
		col("manufacturer", types.ColumnEnum),
		col("product", types.ColumnText),
		col("hardware_version", types.ColumnText),
	},
	MatchKey:   []string{"serial_number"},
	TimeColumn: "timestamp",
}

var DeviceInfo = &types.Table{
	Name:    "device_info",
	Version: 1,
	Columns: []types.ColumnDef{
		col("timestamp", types.ColumnTimestamp),
		col("file_id", types.ColumnText),
		col("serial_number", types.ColumnInteger),
		col("device_type", types.ColumnEnum),
		col("software_version", types.ColumnText),
		col("cum_operating_time", types.ColumnInteger),
		col("battery_voltage", types.ColumnReal),
		col("battery_status", types.ColumnEnum),
	},
	MatchKey:   []string{"timestamp", "serial_number"},
	TimeColumn: "timestamp",
}

// monitoring

var MonitoringInfo = &types.Table{
	Name:    "monitoring_info",
	Version: 1,
	Columns: []types.ColumnDef{
		col("timestamp", types.ColumnTimestamp),
		col("file_id", types.ColumnText),
		col("activity_type", types.ColumnEnum),
		col("resting_metabolic_rate", types.ColumnInteger),
		col("cycles_to_distance", types.ColumnReal),
		col("cycles_to_calories", types.ColumnReal),
	},
	MatchKey:   []string{"timestamp", "activity_type"},
	TimeColumn: "timestamp",
}

var MonitoringHR = &types.Table{
	Name:    "monitoring_hr",
	Version: 1,
	Columns: []types.ColumnDef{
		col("timestamp", types.ColumnTimestamp),
		col("heart_rate", types.ColumnInteger),
		col("resting_heart_rate", types.ColumnInteger),
	},
	MatchKey:   []string{"timestamp"},
	TimeColumn: "timestamp",
}

var MonitoringIntensity = &types.Table{
	Name:    "monitoring_intensity",
	Version: 1,
	Columns: []types.ColumnDef{
		col("timestamp", types.ColumnTimestamp),
		col("moderate_activity_time", types.ColumnTime),
		col("vigorous_activity_time", types.ColumnTime),
	},
	MatchKey:   []string{"timestamp"},
	TimeColumn: "timestamp",
}

var MonitoringClimb = &types.Table{
	Name:    "monitoring_climb",
	Version: 1,
	Columns: []types.ColumnDef{
		col("timestamp", types.ColumnTimestamp),
		col("ascent", types.ColumnReal),
		col("descent", types.ColumnReal),
		col("cum_ascent", types.ColumnReal),
		col("cum_descent", types.ColumnReal),
	},
	MatchKey:   []string{"timestamp"},
	TimeColumn: "timestamp",
}

var Monitoring = &types.Table{
	Name:    "monitoring",
	Version: 1,
	Columns: []types.ColumnDef{
		col("timestamp", types.ColumnTimestamp),
		col("activity_type", types.ColumnEnum),
		col("intensity", types.ColumnInteger),
		col("duration", types.ColumnTime),
		col("distance", types.ColumnReal),
		col("cum_active_time", types.ColumnTime),
		col("active_calories", types.ColumnInteger),
		col("steps", types.ColumnInteger),
		col("strokes", types.ColumnInteger),
		col("cycles", types.ColumnReal),
	},
	MatchKey:   []string{"timestamp", "activity_type"},
	TimeColumn: "timestamp",
}

// activities

var Activities = &types.Table{
	Name:    "activities",
	Version: 1,
	Columns: []types.ColumnDef{
		col("activity_id", types.ColumnText),
		col("name", types.ColumnText),
		col("description", types.ColumnText),
		col("sport", types.ColumnEnum),
		col("sub_sport", types.ColumnEnum),
		col("start_time", types.ColumnTimestamp),
		col("stop_time", types.ColumnTimestamp),
		col("elapsed_time", types.ColumnTime),
		col("moving_time", types.ColumnTime),
		col("distance", types.ColumnReal),
		col("calories", types.ColumnInteger),
		col("avg_hr", types.ColumnInteger),
		col("max_hr", types.ColumnInteger),
		col("avg_speed", types.ColumnReal),
		col("max_speed", types.ColumnReal),
		col("ascent", types.ColumnReal),
		col("descent", types.ColumnReal),
		col("avg_cadence", types.ColumnInteger),
		col("training_effect", types.ColumnReal),
		col("laps", types.ColumnInteger),
		col("device_serial_number", types.ColumnInteger),
	},
	MatchKey:   []string{"activity_id"},
	TimeColumn: "start_time",
}

var ActivityLaps = &types.Table{
	Name:    "activity_laps",
	Version: 1,
	Columns: []types.ColumnDef{
		col("activity_id", types.ColumnText),
		col("lap", types.ColumnInteger),
		col("start_time", types.ColumnTimestamp),
		col("stop_time", types.ColumnTimestamp),
		col("elapsed_time", types.ColumnTime),
		col("moving_time", types.ColumnTime),
		col("distance", types.ColumnReal),
		col("calories", types.ColumnInteger),
		col("avg_hr", types.ColumnInteger),
		col("max_hr", types.ColumnInteger),
		col("avg_speed", types.ColumnReal),
		col("ascent", types.ColumnReal),
		col("descent", types.ColumnReal),
	},
	MatchKey:   []string{"activity_id", "lap"},
	TimeColumn: "start_time",
}

var ActivityRecords = &types.Table{
	Name:    "activity_records",
	Version: 1,
	Columns: []types.ColumnDef{
		col("activity_id", types.ColumnText),
		col("record", types.ColumnInteger),
		col("timestamp", types.ColumnTimestamp),
		col("position_lat", types.ColumnReal),
		col("position_long", types.ColumnReal),
		col("distance", types.ColumnReal),
		col("altitude", types.ColumnReal),
		col("speed", types.ColumnReal),
		col("hr", types.ColumnInteger),
		col("cadence", types.ColumnInteger),
		col("temperature", types.ColumnReal),
	},
	MatchKey:   []string{"activity_id", "record"},
	TimeColumn: "timestamp",
}

var StepsActivities = &types.Table{
	Name:    "steps_activities",
	Version: 1,
	Columns: []types.ColumnDef{
		col("activity_id", types.ColumnText),
		col("steps", types.ColumnInteger),
		col("avg_pace", types.ColumnTime),
		col("avg_steps_per_min", types.ColumnInteger),
		col("avg_step_length", types.ColumnReal),
		col("vo2_max", types.ColumnReal),
	},
	MatchKey: []string{"activity_id"},
}

// summary

func summaryTable(name, key string) *types.Table {
	return &types.Table{
		Name:    name,
		Version: 1,
		Columns: []types.ColumnDef{
			col(key, types.ColumnTimestamp),
			col("hr_avg", types.ColumnReal),
			col("hr_min", types.ColumnReal),
			col("hr_max", types.ColumnReal),
			col("rhr_avg", types.ColumnReal),
			col("steps", types.ColumnInteger),
			col("floors", types.ColumnReal),
			col("moderate_activity_time", types.ColumnInteger),
			col("vigorous_activity_time", types.ColumnInteger),
			col("intensity_time", types.ColumnInteger),
			col("activities", types.ColumnInteger),
			col("activities_distance", types.ColumnReal),
			col("calories_active", types.ColumnInteger),
		},
		MatchKey:   []string{key},
		TimeColumn: key,
	}
}

// Intensity times in the summaries are whole minutes; a week or month of
// activity can exceed the range of a time of day.
var (
	DaysSummary   = summaryTable("days_summary", "day")
	WeeksSummary  = summaryTable("weeks_summary", "first_day")
	MonthsSummary = summaryTable("months_summary", "first_day")
)
