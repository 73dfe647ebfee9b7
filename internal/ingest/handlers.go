package ingest

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/internal/fit"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/pkg/types"
)

// MonitoringTargets are the tables a monitoring message can fan out to,
// in evaluation order.
var MonitoringTargets = []Target{
	{Table: healthdb.MonitoringHR},
	{Table: healthdb.MonitoringIntensity},
	{Table: healthdb.MonitoringClimb},
	{Table: healthdb.Monitoring},
}

// stepSports are the sports whose activities also get a steps row.
var stepSports = map[string]bool{
	"walking": true, "running": true, "hiking": true,
}

// NewDefaultDispatcher creates a dispatcher with every handler of the
// health databases registered. Other profile types such as event, hrv and
// user_profile are recognized but left unhandled.
func NewDefaultDispatcher(logger *zap.Logger) *Dispatcher {
	d := NewDispatcher(logger)
	d.Register(fit.FileID, writeFileID)
	d.Register(fit.DeviceInfo, writeDeviceInfo)
	d.Register(fit.Session, writeSession)
	d.Register(fit.Lap, writeLap)
	d.Register(fit.Record, writeRecord)
	d.Register(fit.Sport, writeSport)
	d.Register(fit.MonitoringInfo, writeMonitoringInfo)
	d.Register(fit.Monitoring, writeMonitoring)
	return d
}

func writeFileID(ctx context.Context, st *FileState, msg fit.Message) error {
	serial, hasSerial := asInt64(value(msg, "serial_number"))
	created, _ := asTime(value(msg, "time_created"))
	manufacturer := asString(value(msg, "manufacturer"))
	product := asString(value(msg, "garmin_product", "product_name", "product"))

	if hasSerial {
		st.SetPrimary(DeviceContext{SerialNumber: serial, Manufacturer: manufacturer, Product: product})
	}

	file := types.Record{
		"id":       st.FileID,
		"name":     st.Path,
		"type":     value(msg, "type"),
		"hash":     nonEmpty(st.Hash),
		"imported": time.Now(),
	}
	if hasSerial {
		file["serial_number"] = serial
	}
	if !created.IsZero() {
		file["timestamp"] = created
		st.LastTimestamp = created
	}
	if err := st.Writers.Garmin.Store(healthdb.Files).Upsert(ctx, file, true); err != nil {
		return err
	}

	if !hasSerial {
		return nil
	}
	device := types.Record{
		"serial_number": serial,
		"device_type":   "primary",
		"manufacturer":  nonEmpty(manufacturer),
		"product":       nonEmpty(product),
	}
	if !created.IsZero() {
		device["timestamp"] = created
	}
	return st.Writers.Garmin.Store(healthdb.Devices).Upsert(ctx, device, true)
}

func writeDeviceInfo(ctx context.Context, st *FileState, msg fit.Message) error {
	serial, hasSerial := asInt64(value(msg, "serial_number"))
	manufacturer := asString(value(msg, "manufacturer"))
	product := asString(value(msg, "garmin_product", "product_name", "product"))

	// The creator device often omits its identity here; backfill it from
	// the file's primary device.
	if !hasSerial && st.Primary != nil && isCreator(msg) {
		serial, hasSerial = st.Primary.SerialNumber, true
		if manufacturer == "" {
			manufacturer = st.Primary.Manufacturer
		}
		if product == "" {
			product = st.Primary.Product
		}
	}
	if !hasSerial {
		return nil
	}

	ts, ok := asTime(value(msg, "timestamp"))
	if !ok {
		ts = st.LastTimestamp
	}
	deviceType := asString(value(msg, "device_type", "antplus_device_type", "source_type"))

	device := types.Record{
		"serial_number":    serial,
		"device_type":      nonEmpty(deviceType),
		"manufacturer":     nonEmpty(manufacturer),
		"product":          nonEmpty(product),
		"hardware_version": value(msg, "hardware_version"),
	}
	if !ts.IsZero() {
		device["timestamp"] = ts
	}
	if err := st.Writers.Garmin.Store(healthdb.Devices).Upsert(ctx, device, true); err != nil {
		return err
	}
	if ts.IsZero() {
		return nil
	}

	info := types.Record{
		"timestamp":          ts,
		"file_id":            st.FileID,
		"serial_number":      serial,
		"device_type":        nonEmpty(deviceType),
		"software_version":   stringOrNil(value(msg, "software_version")),
		"cum_operating_time": value(msg, "cum_operating_time"),
		"battery_voltage":    value(msg, "battery_voltage"),
		"battery_status":     value(msg, "battery_status"),
	}
	if d, ok := info["cum_operating_time"].(time.Duration); ok {
		info["cum_operating_time"] = int64(d / time.Second)
	}
	return st.Writers.Garmin.Store(healthdb.DeviceInfo).Upsert(ctx, info, true)
}

func isCreator(msg fit.Message) bool {
	idx, ok := msg.Get("device_index")
	if !ok {
		return true
	}
	if n, ok := asInt64(idx); ok {
		return n == 0
	}
	return asString(idx) == "creator"
}

func writeSession(ctx context.Context, st *FileState, msg fit.Message) error {
	rec := types.Record{
		"activity_id":     st.FileID,
		"start_time":      value(msg, "start_time"),
		"stop_time":       value(msg, "timestamp"),
		"elapsed_time":    value(msg, "total_elapsed_time"),
		"moving_time":     value(msg, "total_timer_time", "total_moving_time"),
		"distance":        value(msg, "total_distance", "user_distance"),
		"calories":        value(msg, "total_calories"),
		"avg_hr":          value(msg, "avg_heart_rate"),
		"max_hr":          value(msg, "max_heart_rate"),
		"avg_speed":       value(msg, "enhanced_avg_speed", "avg_speed"),
		"max_speed":       value(msg, "enhanced_max_speed", "max_speed"),
		"ascent":          value(msg, "total_ascent"),
		"descent":         value(msg, "total_descent"),
		"avg_cadence":     value(msg, "avg_running_cadence", "avg_cadence"),
		"training_effect": value(msg, "total_training_effect"),
		"laps":            value(msg, "num_laps"),
	}
	if st.Primary != nil {
		rec["device_serial_number"] = st.Primary.SerialNumber
	}
	sport := asString(value(msg, "sport"))
	subSport := asString(value(msg, "sub_sport"))

	merged, err := mergeActivity(ctx, st.Writers.Activities, rec, sport, subSport)
	if err != nil {
		return err
	}
	if !stepSports[merged] {
		return nil
	}

	steps := types.Record{
		"activity_id":       st.FileID,
		"steps":             value(msg, "total_steps", "total_strides"),
		"avg_steps_per_min": nil,
		"avg_step_length":   value(msg, "avg_step_length"),
		"vo2_max":           value(msg, "vo2_max"),
	}
	if cad, ok := asFloat(value(msg, "avg_running_cadence", "avg_cadence")); ok {
		// Cadence is reported per leg.
		steps["avg_steps_per_min"] = int64(cad * 2)
	}
	if speed, ok := asFloat(rec["avg_speed"]); ok && speed > 0 {
		if pace := time.Duration(1000 / speed * float64(time.Second)); pace < 24*time.Hour {
			steps["avg_pace"] = pace
		}
	}
	if steps.NonNullCount() < healthdb.StepsActivities.MinValues() {
		return nil
	}
	return st.Writers.Activities.Store(healthdb.StepsActivities).Upsert(ctx, steps, true)
}

func writeSport(ctx context.Context, st *FileState, msg fit.Message) error {
	rec := types.Record{
		"activity_id": st.FileID,
		"name":        stringOrNil(value(msg, "name")),
	}
	_, err := mergeActivity(ctx, st.Writers.Activities, rec,
		asString(value(msg, "sport")), asString(value(msg, "sub_sport")))
	return err
}

// mergeActivity upserts an activity row, reconciling its sport and
// sub-sport with the stored ones. It returns the resulting sport.
func mergeActivity(ctx context.Context, sess *store.Session, rec types.Record, sport, subSport string) (string, error) {
	acts := sess.Store(healthdb.Activities)
	existing, err := acts.FindOne(ctx, types.Record{"activity_id": rec["activity_id"]})
	if err != nil {
		return "", err
	}
	var oldSport, oldSub string
	if existing != nil {
		oldSport = asString(existing["sport"])
		oldSub = asString(existing["sub_sport"])
	}
	mergedSport := ReconcileSport(oldSport, strings.ToLower(sport))
	mergedSub := ReconcileSport(oldSub, strings.ToLower(subSport))
	rec["sport"] = nonEmpty(mergedSport)
	rec["sub_sport"] = nonEmpty(mergedSub)

	if existing == nil && rec.NonNullCount() < healthdb.Activities.MinValues() {
		return mergedSport, nil
	}
	return mergedSport, acts.Upsert(ctx, rec, true)
}

func writeLap(ctx context.Context, st *FileState, msg fit.Message) error {
	rec := types.Record{
		"activity_id":  st.FileID,
		"lap":          st.Lap,
		"start_time":   value(msg, "start_time"),
		"stop_time":    value(msg, "timestamp"),
		"elapsed_time": value(msg, "total_elapsed_time"),
		"moving_time":  value(msg, "total_timer_time", "total_moving_time"),
		"distance":     value(msg, "total_distance", "user_distance"),
		"calories":     value(msg, "total_calories"),
		"avg_hr":       value(msg, "avg_heart_rate"),
		"max_hr":       value(msg, "max_heart_rate"),
		"avg_speed":    value(msg, "enhanced_avg_speed", "avg_speed"),
		"ascent":       value(msg, "total_ascent"),
		"descent":      value(msg, "total_descent"),
	}
	if err := st.Writers.Activities.Store(healthdb.ActivityLaps).Upsert(ctx, rec, true); err != nil {
		return err
	}
	st.Lap++
	return nil
}

func writeRecord(ctx context.Context, st *FileState, msg fit.Message) error {
	rec := types.Record{
		"activity_id":   st.FileID,
		"record":        st.Record,
		"timestamp":     value(msg, "timestamp"),
		"position_lat":  semicircles(value(msg, "position_lat")),
		"position_long": semicircles(value(msg, "position_long")),
		"distance":      value(msg, "distance"),
		"altitude":      value(msg, "enhanced_altitude", "altitude"),
		"speed":         value(msg, "enhanced_speed", "speed"),
		"hr":            value(msg, "heart_rate"),
		"cadence":       value(msg, "cadence"),
		"temperature":   value(msg, "temperature"),
	}
	if err := st.Writers.Activities.Store(healthdb.ActivityRecords).Upsert(ctx, rec, true); err != nil {
		return err
	}
	st.Record++
	return nil
}

func writeMonitoringInfo(ctx context.Context, st *FileState, msg fit.Message) error {
	ts, ok := asTime(value(msg, "timestamp"))
	if !ok {
		return herrors.NewValidationError(herrors.CodeInvalidValue, "monitoring_info without timestamp")
	}
	st.LastTimestamp = ts

	activities := list(value(msg, "activity_type"))
	toDistance := list(value(msg, "cycles_to_distance"))
	toCalories := list(value(msg, "cycles_to_calories"))
	infos := st.Writers.Monitoring.Store(healthdb.MonitoringInfo)
	for i, at := range activities {
		rec := types.Record{
			"timestamp":              ts,
			"file_id":                st.FileID,
			"activity_type":          asString(at),
			"resting_metabolic_rate": value(msg, "resting_metabolic_rate"),
			"cycles_to_distance":     elem(toDistance, i),
			"cycles_to_calories":     elem(toCalories, i),
		}
		if err := infos.Upsert(ctx, rec, true); err != nil {
			return err
		}
	}
	return nil
}

func writeMonitoring(ctx context.Context, st *FileState, msg fit.Message) error {
	ts, ok := asTime(value(msg, "timestamp"))
	if !ok {
		ts16, has16 := asInt64(value(msg, "timestamp_16"))
		if !has16 || st.LastTimestamp.IsZero() {
			return herrors.NewValidationError(herrors.CodeInvalidValue, "monitoring message without timestamp")
		}
		ts = expandTimestamp16(st.LastTimestamp, ts16)
	}
	st.LastTimestamp = ts

	rec := MonitoringRecord(msg)
	rec["timestamp"] = ts
	rows, dropped := DecomposeWithDropped(rec, MonitoringTargets)
	st.dropped = append(st.dropped, dropped...)
	_, err := upsertRows(ctx, st.Writers.Monitoring, rows)
	return err
}

// MonitoringRecord builds the candidate record of a monitoring message:
// every field any monitoring table may take, under its column name.
func MonitoringRecord(msg fit.Message) types.Record {
	activity := asString(value(msg, "activity_type"))
	rec := types.Record{
		"heart_rate":             value(msg, "heart_rate"),
		"resting_heart_rate":     value(msg, "resting_heart_rate"),
		"moderate_activity_time": minutes(value(msg, "moderate_activity_minutes")),
		"vigorous_activity_time": minutes(value(msg, "vigorous_activity_minutes")),
		"ascent":                 value(msg, "ascent"),
		"descent":                value(msg, "descent"),
		"cum_ascent":             value(msg, "cum_ascent"),
		"cum_descent":            value(msg, "cum_descent"),
		"activity_type":          nonEmpty(activity),
		"intensity":              value(msg, "intensity"),
		"duration":               seconds(value(msg, "duration")),
		"distance":               value(msg, "distance"),
		"cum_active_time":        value(msg, "active_time"),
		"active_calories":        value(msg, "active_calories"),
		"cycles":                 value(msg, "cycles"),
	}
	// The cycles field carries steps for foot activities and strokes for
	// swimming unless the decoder already split it.
	switch activity {
	case "walking", "running":
		rec["steps"] = value(msg, "steps", "cycles")
	case "swimming":
		rec["strokes"] = value(msg, "strokes", "cycles")
	default:
		rec["steps"] = value(msg, "steps")
		rec["strokes"] = value(msg, "strokes")
	}
	for _, k := range []string{"duration", "cum_active_time"} {
		if d, ok := rec[k].(time.Duration); ok && d >= 24*time.Hour {
			rec[k] = nil
		}
	}
	return rec
}

func list(v any) []any {
	switch l := v.(type) {
	case nil:
		return nil
	case []any:
		return l
	}
	return []any{v}
}

func elem(l []any, i int) any {
	if i < len(l) {
		return l[i]
	}
	return nil
}

// seconds converts a plain number of seconds into a duration.
func seconds(v any) any {
	if d, ok := v.(time.Duration); ok {
		return d
	}
	if f, ok := asFloat(v); ok {
		return time.Duration(f * float64(time.Second))
	}
	return nil
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringOrNil(v any) any {
	if v == nil {
		return nil
	}
	return asString(v)
}
