package memory

import "github.com/sirupsen/logrus"

var log = logrus.WithField("subsystem", "memory")
