package irep

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("ember.irep")
