// driversim drives one vehicle along a seeded route and publishes its
// position over MQTT the way an onboard device would.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/directory"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/ingest"
	"bus-tracker/internal/transit"
)

func main() {
	_ = godotenv.Load()

	broker := flag.String("broker", getenvDefault("MQTT_BROKER", "tcp://localhost:1883"), "MQTT broker URL")
	seedFile := flag.String("seed", os.Getenv("SEED_FILE"), "seed file holding the route")
	code := flag.String("vehicle", "", "vehicle code to report as")
	routeID := flag.String("route", "", "route id to drive (defaults to the vehicle's route)")
	interval := flag.Duration("interval", 2*time.Second, "time between reports")
	speed := flag.Float64("speed", 30, "driving speed in km/h")
	loop := flag.Bool("loop", false, "restart from the first stop at the end of the route")
	flag.Parse()

	if *code == "" || *seedFile == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *interval <= 0 || *speed <= 0 {
		logrus.Fatal("interval and speed must be positive")
	}

	route, err := loadRoute(*seedFile, transit.NormalizeCode(*code), *routeID)
	if err != nil {
		logrus.Fatalf("route error: %v", err)
	}
	pts := routePoints(route)
	if len(pts) < 2 {
		logrus.Fatalf("route %s needs at least two stops with coordinates", route.ID)
	}

	client, err := ingest.Connect(*broker, "driversim-"+transit.NormalizeCode(*code))
	if err != nil {
		logrus.Fatalf("mqtt error: %v", err)
	}
	defer client.Disconnect(250)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d := &driver{
		client: client,
		topic:  ingest.LocationTopic(transit.NormalizeCode(*code)),
		pts:    pts,
		cum:    geo.CumulativeDistances(pts),
		step:   *speed / 3.6 * interval.Seconds(),
		loop:   *loop,
	}
	logrus.WithFields(logrus.Fields{"vehicle": *code, "route": route.ID, "broker": *broker}).Info("driving")
	d.run(ctx, *interval)
}

type driver struct {
	client mqtt.Client
	topic  string
	pts    []geo.Point
	cum    []float64
	step   float64 // meters per report
	loop   bool
}

func (d *driver) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	total := d.cum[len(d.cum)-1]
	travelled := 0.0
	for {
		if err := d.publish(travelled); err != nil {
			logrus.WithError(err).Warn("publish failed")
		}
		if travelled >= total {
			if !d.loop {
				logrus.Info("end of route")
				return
			}
			travelled = 0
		} else {
			travelled = math.Min(travelled+d.step, total)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *driver) publish(travelled float64) error {
	lat, lng, bearing := geo.Interpolate(d.pts, d.cum, travelled)
	payload, err := json.Marshal(ingest.LocationMessage{
		Latitude:  &lat,
		Longitude: &lng,
		Bearing:   &bearing,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	token := d.client.Publish(d.topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"lat": lat, "lng": lng, "meters": math.Round(travelled)}).Debug("published")
	return nil
}

func loadRoute(path, code, routeID string) (transit.Route, error) {
	seed, err := directory.ReadSeed(path)
	if err != nil {
		return transit.Route{}, err
	}
	if routeID == "" {
		for _, v := range seed.Vehicles {
			if v.Code == code {
				routeID = v.RouteID
			}
		}
	}
	for _, r := range seed.Routes {
		if r.ID == routeID {
			return r, nil
		}
	}
	if routeID == "" {
		return transit.Route{}, fmt.Errorf("vehicle %s has no route; pass -route", code)
	}
	return transit.Route{}, fmt.Errorf("route %s not found in seed", routeID)
}

// routePoints skips stops without usable coordinates.
func routePoints(r transit.Route) []geo.Point {
	pts := make([]geo.Point, 0, len(r.Stops))
	for _, s := range r.Stops {
		if math.IsNaN(s.Lat) || math.IsNaN(s.Lng) {
			continue
		}
		pts = append(pts, geo.Point{Lat: s.Lat, Lng: s.Lng})
	}
	return pts
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
