// Package influxdb provides InfluxDB connectivity for the resource database.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring. The
// history recorder uses it to store numeric resource values as the
// resource_values measurement.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteResourceValue(influxdb.ResourceValue{
//	    Path:  "kitchen/temperature",
//	    Type:  "Float",
//	    Value: 21.5,
//	    Time:  time.Now(),
//	})
//
// # Error Handling
//
// Writes are non-blocking; batch failures are delivered to the callback
// set with SetOnError. Connection and health check errors are returned
// directly.
package influxdb
