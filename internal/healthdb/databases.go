package healthdb

import (
	"context"
	"fmt"

	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/pkg/types"
)

// ActivitiesView lists activities most recent first.
var ActivitiesView = types.View{
	Name:  types.ViewName(Activities.Name),
	Table: Activities.Name,
	Columns: []string{
		"activity_id", "name", "sport", "sub_sport", "start_time", "stop_time",
		"elapsed_time", "moving_time", "distance", "calories", "avg_hr", "max_hr",
		"avg_speed", "ascent", "descent", "training_effect",
	},
	Version: 1,
}

// StepsActivitiesView joins step-based activities to their activity rows.
// Both tables have a distance-like column, so the join and columns are
// fully qualified.
var StepsActivitiesView = types.View{
	Name:  types.ViewName(StepsActivities.Name),
	Table: StepsActivities.Name,
	Columns: []string{
		"activities.activity_id AS activity_id",
		"activities.name AS name",
		"activities.sport AS sport",
		"activities.sub_sport AS sub_sport",
		"activities.start_time AS start_time",
		"activities.elapsed_time AS elapsed_time",
		"activities.distance AS distance",
		"steps_activities.steps AS steps",
		"steps_activities.avg_pace AS avg_pace",
		"steps_activities.avg_steps_per_min AS avg_steps_per_min",
		"steps_activities.avg_step_length AS avg_step_length",
		"steps_activities.vo2_max AS vo2_max",
	},
	Joins: []types.Join{
		{Table: Activities.Name, On: []string{"activities.activity_id = steps_activities.activity_id"}},
	},
	OrderBy: "activities.start_time DESC",
	Version: 1,
}

// GarminDefinition returns the device and file identity database definition.
func GarminDefinition() store.Definition {
	return store.Definition{
		Name:    GarminDB,
		Version: GarminVersion,
		Tables:  []*types.Table{Files, Devices, DeviceInfo},
	}
}

// MonitoringDefinition returns the all-day monitoring database definition.
func MonitoringDefinition() store.Definition {
	return store.Definition{
		Name:    MonitoringDB,
		Version: MonitoringVersion,
		Tables:  []*types.Table{MonitoringInfo, MonitoringHR, MonitoringIntensity, MonitoringClimb, Monitoring},
	}
}

// ActivitiesDefinition returns the activities database definition.
func ActivitiesDefinition() store.Definition {
	return store.Definition{
		Name:    ActivitiesDB,
		Version: ActivitiesVersion,
		Tables:  []*types.Table{Activities, ActivityLaps, ActivityRecords, StepsActivities},
		Views:   []types.View{ActivitiesView, StepsActivitiesView},
	}
}

// SummaryDefinition returns the roll-up summary database definition.
func SummaryDefinition() store.Definition {
	return store.Definition{
		Name:    SummaryDB,
		Version: SummaryVersion,
		Tables:  []*types.Table{DaysSummary, WeeksSummary, MonthsSummary},
	}
}

// Definitions returns every logical database in session nesting order.
func Definitions() []store.Definition {
	return []store.Definition{GarminDefinition(), MonitoringDefinition(), ActivitiesDefinition(), SummaryDefinition()}
}

// DBs holds the open logical databases.
type DBs struct {
	Garmin     *store.Database
	Monitoring *store.Database
	Activities *store.Database
	Summary    *store.Database
}

// OpenAll opens every logical database under dir. Any failure, including a
// fatal version mismatch, closes whatever was already opened.
func OpenAll(ctx context.Context, dir string, opts store.Options) (*DBs, error) {
	dbs := &DBs{}
	targets := []**store.Database{&dbs.Garmin, &dbs.Monitoring, &dbs.Activities, &dbs.Summary}
	for i, def := range Definitions() {
		db, err := store.Open(ctx, dir, def, opts)
		if err != nil {
			dbs.Close()
			return nil, fmt.Errorf("healthdb: open %s: %w", def.Name, err)
		}
		*targets[i] = db
	}
	return dbs, nil
}

// ByName returns the open database with the given name.
func (d *DBs) ByName(name string) (*store.Database, bool) {
	for _, db := range d.All() {
		if db.Name() == name {
			return db, true
		}
	}
	return nil, false
}

// All returns the open databases in nesting order.
func (d *DBs) All() []*store.Database {
	var out []*store.Database
	for _, db := range []*store.Database{d.Garmin, d.Monitoring, d.Activities, d.Summary} {
		if db != nil {
			out = append(out, db)
		}
	}
	return out
}

// Close closes every open database.
func (d *DBs) Close() error {
	var firstErr error
	for _, db := range d.All() {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
