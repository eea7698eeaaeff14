package web

import (
	"html/template"
	"log/slog"
	"net/http"

	"boussoled/internal/logging"
)

// The page is both a status view and a browser sample source: it forwards
// deviceorientation (relative and absolute), geolocation and pointer events to /api/samples/* and
// turns the needle from the frame stream.
var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>boussoled</title>
<style>
body{font-family:sans-serif;text-align:center;margin:1em}
#dial{position:relative;width:240px;height:240px;margin:1em auto;border:2px solid #333;border-radius:50%;touch-action:none}
#needle{position:absolute;left:118px;top:20px;width:4px;height:100px;background:#c00;transform-origin:2px 100px}
pre{text-align:left;display:inline-block}
</style></head>
<body>
<h1>boussoled</h1>
<div id="dial"><div id="needle" style="transform:rotate({{.Frame.Rotation}}deg)"></div></div>
<p><span id="heading">{{.Frame.HeadingLabel}}</span> · <span id="distance">{{.Frame.DistanceLabel}}</span></p>
<p>mode: <span id="mode">{{.Frame.Mode}}</span> · input: {{.Input}} · sensors: {{.Sensor}}{{if .Status}} · {{.Status}}{{end}}{{if .LocationStatus}} · {{.LocationStatus}}{{end}}</p>
<p><button id="enable">Activer</button> <button data-post="/api/compass/calibrate">Calibrer</button>
<button data-post="/api/compass/calibration/reset">Réinitialiser</button> <button data-post="/api/compass/debug">Debug</button></p>
{{if .DebugVisible}}<pre id="debug">{{.DebugText}}</pre>{{end}}
<script>
const post=(u,b)=>fetch(u,{method:"POST",headers:{"Content-Type":"application/json"},body:JSON.stringify(b||{})});
document.querySelectorAll("[data-post]").forEach(b=>b.onclick=()=>post(b.dataset.post).then(()=>location.reload()));
let absolute=false;
const orient=e=>{if(e.type==="deviceorientationabsolute")absolute=true;else if(absolute&&e.webkitCompassHeading==null)return;
post("/api/samples/orientation",{alpha:e.alpha,beta:e.beta,gamma:e.gamma,native_heading:e.webkitCompassHeading,screen_angle:(screen.orientation||{}).angle})};
const listen=()=>{addEventListener("deviceorientation",orient,true);addEventListener("deviceorientationabsolute",orient,true)};
document.getElementById("enable").onclick=async()=>{
  let p="absent";
  if(typeof DeviceOrientationEvent==="undefined"){p="absent"}
  else if(typeof DeviceOrientationEvent.requestPermission==="function"){
    try{p=await DeviceOrientationEvent.requestPermission()==="granted"?"granted":"denied"}catch(e){p="error"}
  }else{p="implicit"}
  await post("/api/compass/enable",{permission:p});
  if(p==="granted"||p==="implicit")listen();
};
if(navigator.geolocation){navigator.geolocation.watchPosition(
  p=>post("/api/samples/location",{lat_deg:p.coords.latitude,lon_deg:p.coords.longitude}),
  e=>post("/api/samples/location-error",{error:e.message||"GPS erreur"}),
  {enableHighAccuracy:true,maximumAge:0,timeout:10000});}
const dial=document.getElementById("dial");
dial.addEventListener("pointermove",e=>{const r=dial.getBoundingClientRect();post("/api/samples/pointer",{dx:e.clientX-r.left-r.width/2,dy:e.clientY-r.top-r.height/2})});
const es=new EventSource("/api/compass/stream");
es.addEventListener("frame",m=>{const f=JSON.parse(m.data);
  document.getElementById("needle").style.transform="rotate("+f.rotation_deg+"deg)";
  document.getElementById("heading").textContent=f.heading_label;
  document.getElementById("distance").textContent=f.distance_label;
  document.getElementById("mode").textContent=f.mode;});
</script>
</body></html>
`))

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := indexTmpl.Execute(w, h.c.Snapshot()); err != nil {
		logging.FromContext(r.Context()).Warn("render index failed", slog.String("error", err.Error()))
	}
}
